// Package cmdutil holds helpers shared by the filemux commands.
package cmdutil

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type levelSetting struct {
	value  level.Value
	option level.Option
}

var logLevels = map[string]levelSetting{
	"error": {value: level.ErrorValue(), option: level.AllowError()},
	"warn":  {value: level.WarnValue(), option: level.AllowWarn()},
	"info":  {value: level.InfoValue(), option: level.AllowInfo()},
	"debug": {value: level.DebugValue(), option: level.AllowDebug()},
}

var defaultLogLevel = logLevels["info"]

// LogLevel implements flag.Value and can be used to set the logging level
// from a flag. The zero value is ready for use and logs at info.
type LogLevel struct {
	setting *levelSetting
}

// String implements flag.Value.
func (l LogLevel) String() string {
	if l.setting == nil {
		return defaultLogLevel.value.String()
	}
	return l.setting.value.String()
}

// Set implements flag.Value.
func (l *LogLevel) Set(in string) error {
	setting, ok := logLevels[strings.ToLower(in)]
	if !ok {
		return fmt.Errorf("unknown log level %q, valid options error, warn, info, debug", in)
	}
	l.setting = &setting
	return nil
}

// FilterOption returns l as an option that can be used with level.NewFilter.
func (l LogLevel) FilterOption() level.Option {
	if l.setting == nil {
		return defaultLogLevel.option
	}
	return l.setting.option
}

// NewLogger returns a logfmt logger writing to w, filtered by l and
// annotated with a timestamp, caller, and program name.
func NewLogger(w io.Writer, l LogLevel, program string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, l.FilterOption())
	return log.With(logger, "ts", log.DefaultTimestamp, "caller", log.DefaultCaller, "program", program)
}
