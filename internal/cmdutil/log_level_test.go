package cmdutil

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	var ll LogLevel
	require.Equal(t, "info", ll.String())

	require.NoError(t, ll.Set("DEBUG"))
	require.Equal(t, "debug", ll.String())

	require.Error(t, ll.Set("verbose"))
	require.Equal(t, "debug", ll.String(), "failed Set must not change the level")
}

func TestLogLevel_FilterOption(t *testing.T) {
	var buf bytes.Buffer

	var ll LogLevel
	require.NoError(t, ll.Set("warn"))
	l := level.NewFilter(log.NewLogfmtLogger(&buf), ll.FilterOption())

	level.Info(l).Log("msg", "dropped")
	level.Warn(l).Log("msg", "kept")
	require.Equal(t, "level=warn msg=kept\n", buf.String())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LogLevel{}, "filemuxd")

	level.Debug(l).Log("msg", "dropped")
	level.Info(l).Log("msg", "kept")
	require.Contains(t, buf.String(), "program=filemuxd")
	require.Contains(t, buf.String(), "msg=kept")
	require.NotContains(t, buf.String(), "dropped")
}
