//go:build linux

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	addr string
	dir  string
	reg  *prometheus.Registry
	srv  *Server
}

// newTestServer serves a fresh temporary directory. If o.Handler is nil, the
// directory is served by a Directory handler.
func newTestServer(t *testing.T, o Options) *testServer {
	t.Helper()

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "test", t.Name())

	dir := t.TempDir()
	reg := prometheus.NewRegistry()

	o.ListenAddr = "127.0.0.1:0"
	o.Registerer = reg
	if o.Handler == nil {
		o.Handler = Directory(l, dir)
	}

	srv, err := New(l, o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-exited:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not exit")
		}
	})

	return &testServer{addr: srv.Addr().String(), dir: dir, reg: reg, srv: srv}
}

func (ts *testServer) writeFile(t *testing.T, name string, contents []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ts.dir, name), contents, 0644))
}

// roundTrip sends req, half-closes, and returns every byte the server sent.
func (ts *testServer) roundTrip(t *testing.T, req string) []byte {
	t.Helper()

	cc, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(cc, req)
	require.NoError(t, err)
	require.NoError(t, cc.(*net.TCPConn).CloseWrite())

	resp, err := io.ReadAll(cc)
	require.NoError(t, err)
	return resp
}

var listingLine = regexp.MustCompile(`^[^\n]+ : [0-9]+\n$`)

// listNames issues a list request and returns the names in the payload.
func (ts *testServer) listNames(t *testing.T) []string {
	t.Helper()

	resp := ts.roundTrip(t, "L")
	require.NotEmpty(t, resp)
	require.Equal(t, byte('S'), resp[0])

	var names []string
	seen := map[string]bool{}
	for _, line := range strings.SplitAfter(string(resp[1:]), "\n") {
		if line == "" {
			continue
		}
		require.Regexp(t, listingLine, line)
		name := line[:strings.LastIndex(line, " : ")]
		require.False(t, seen[name], "duplicate entry %q", name)
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func TestServer_ListEmpty(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	require.Equal(t, "S", string(ts.roundTrip(t, "L")))
}

func TestServer_ListWithoutHalfClose(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "a.txt", []byte("hello\n"))

	cc, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer cc.Close()
	require.NoError(t, cc.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(cc, "L")
	require.NoError(t, err)

	resp, err := io.ReadAll(cc)
	require.NoError(t, err)
	require.Equal(t, "Sa.txt : 6\n", string(resp))
}

func TestServer_DeleteMissing(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	require.Equal(t, "F", string(ts.roundTrip(t, "Dghost.txt")))
}

func TestServer_Delete(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "f.txt", []byte("data"))

	require.Equal(t, "S", string(ts.roundTrip(t, "Df.txt")))
	require.NotContains(t, ts.listNames(t), "f.txt")
	require.Equal(t, "F", string(ts.roundTrip(t, "Df.txt")), "second delete must fail")
}

func TestServer_RenameRoundTrip(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "a.txt", []byte("hello\n"))

	require.Equal(t, "S", string(ts.roundTrip(t, "Ra.txt,b.txt")))

	resp := ts.roundTrip(t, "L")
	require.Equal(t, "Sb.txt : 6\n", string(resp))
	require.Equal(t, "F", string(ts.roundTrip(t, "Ga.txt")))
	require.Equal(t, "Shello\n", string(ts.roundTrip(t, "Gb.txt")))
}

func TestServer_RenameMalformed(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "a.txt", []byte("hello\n"))
	ts.writeFile(t, "b.txt", []byte("other"))

	for _, req := range []string{"Ra.txt", "Ra.txt,c,d", "R,c.txt", "Ra.txt,../c.txt", "Ra.txt,b.txt"} {
		require.Equal(t, "F", string(ts.roundTrip(t, req)), "request %q", req)
	}
	require.ElementsMatch(t, []string{"a.txt", "b.txt"}, ts.listNames(t))
}

func TestServer_GetExisting(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "b.txt", []byte("hello\n"))
	require.Equal(t, "Shello\n", string(ts.roundTrip(t, "Gb.txt")))
}

func TestServer_GetBinary(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	contents := []byte("no trailing newline\r\n\x00\xff\xfe\rend")
	ts.writeFile(t, "bin.dat", contents)

	resp := ts.roundTrip(t, "Gbin.dat")
	require.Equal(t, append([]byte("S"), contents...), resp)
}

func TestServer_GetLarge(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)

	contents := make([]byte, 8*1024*1024+17)
	_, err := rand.Read(contents)
	require.NoError(t, err)
	ts.writeFile(t, "large.bin", contents)

	resp := ts.roundTrip(t, "Glarge.bin")
	require.Equal(t, byte('S'), resp[0])
	require.True(t, bytes.Equal(contents, resp[1:]), "payload mismatch: got %d bytes, expected %d", len(resp)-1, len(contents))

	// Payload bytes are counted once the connection is fully closed, which
	// may happen just after the client observes end-of-stream.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ts.srv.metrics.payloadBytes.WithLabelValues("get")) == float64(len(contents))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_GetRefused(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	require.NoError(t, os.Mkdir(filepath.Join(ts.dir, "subdir"), 0755))

	outside := filepath.Join(filepath.Dir(ts.dir), "outside-secret")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))
	t.Cleanup(func() { _ = os.Remove(outside) })

	for _, req := range []string{"Gmissing", "Gsubdir", "G../outside-secret", "G", "G.."} {
		require.Equal(t, "F", string(ts.roundTrip(t, req)), "request %q", req)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	require.Equal(t, "F", string(ts.roundTrip(t, "X")))
	require.Equal(t, "F", string(ts.roundTrip(t, "l")))

	require.Equal(t, 2.0, testutil.ToFloat64(ts.srv.metrics.requestsTotal.WithLabelValues("unknown", "failure")))
}

func TestServer_OversizedArgument(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "keep.txt", []byte("x"))

	req := "D" + strings.Repeat("k", 64*1024)
	require.Equal(t, "F", string(ts.roundTrip(t, req)))
	require.Equal(t, []string{"keep.txt"}, ts.listNames(t))
}

func TestServer_EmptyConnection(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)

	// A peer that half-closes without a command gets no reply.
	require.Empty(t, ts.roundTrip(t, ""))

	// The server remains available.
	require.Equal(t, "S", string(ts.roundTrip(t, "L")))
}

func TestServer_ConcurrentClients(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "f.txt", []byte("bye"))

	var (
		wg      sync.WaitGroup
		listing []byte
		deleted []byte
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		listing = ts.roundTrip(t, "L")
	}()
	go func() {
		defer wg.Done()
		deleted = ts.roundTrip(t, "Df.txt")
	}()
	wg.Wait()

	require.Equal(t, byte('S'), listing[0])
	require.Equal(t, "S", string(deleted))
	require.NotContains(t, ts.listNames(t), "f.txt")
}

func TestServer_ManyConcurrentClients(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "b.txt", []byte("hello\n"))

	var wg sync.WaitGroup
	results := make([][]byte, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ts.roundTrip(t, "Gb.txt")
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.Equal(t, "Shello\n", string(res))
	}
}

func TestServer_StalledClientTimesOut(t *testing.T) {
	o := DefaultOptions
	o.ConnTimeout = 250 * time.Millisecond
	ts := newTestServer(t, o)
	ts.writeFile(t, "f.txt", []byte("data"))

	// The stalled client never half-closes its request.
	stalled, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer stalled.Close()
	_, err = io.WriteString(stalled, "Df.txt")
	require.NoError(t, err)

	// Other clients are served while the stalled client waits.
	require.Equal(t, "Sf.txt : 4\n", string(ts.roundTrip(t, "L")))

	require.NoError(t, stalled.SetDeadline(time.Now().Add(5*time.Second)))
	resp, err := io.ReadAll(stalled)
	require.NoError(t, err)
	require.Empty(t, resp, "timed out connections receive no reply")

	require.Equal(t, 1.0, testutil.ToFloat64(ts.srv.metrics.connectionTimeouts))
	require.Equal(t, []string{"f.txt"}, ts.listNames(t))
}

func TestServer_ReadOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("data"), 0644))

	o := DefaultOptions
	o.Handler = ReadOnly(Directory(nil, dir))
	ts := newTestServer(t, o)

	require.Equal(t, "F", string(ts.roundTrip(t, "Df.txt")))
	require.Equal(t, "F", string(ts.roundTrip(t, "Rf.txt,g.txt")))
	require.Equal(t, "Sdata", string(ts.roundTrip(t, "Gf.txt")))
	require.FileExists(t, filepath.Join(dir, "f.txt"))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, DefaultOptions)
	ts.writeFile(t, "f.txt", []byte("data"))

	ts.roundTrip(t, "L")
	ts.roundTrip(t, "L")
	ts.roundTrip(t, "Dmissing")

	m := ts.srv.metrics
	require.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("list", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("delete", "failure")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.connectionsAccepted))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.connectionsActive) == 0
	}, 5*time.Second, 10*time.Millisecond)

	families, err := ts.reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "filemux_requests_total")
	require.Contains(t, names, "filemux_connections_accepted_total")
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	l := log.NewNopLogger()
	srv, err := New(l, Options{ListenAddr: "127.0.0.1:0", Handler: Directory(l, t.TempDir())})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- srv.Serve(ctx) }()

	cc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer cc.Close()
	_, err = io.WriteString(cc, "Dpending")
	require.NoError(t, err)

	// Give the event loop a chance to accept the connection before stopping.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
	}

	require.NoError(t, cc.SetDeadline(time.Now().Add(5*time.Second)))
	resp, _ := io.ReadAll(cc)
	require.Empty(t, resp)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.Error(t, err, "listener should be closed")

	require.Error(t, srv.Serve(context.Background()), "Serve may only be called once")
}

func TestServer_CloseUnserved(t *testing.T) {
	srv, err := New(nil, Options{ListenAddr: "127.0.0.1:0", Handler: Directory(nil, t.TempDir())})
	require.NoError(t, err)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
}

func TestNew_RequiresHandler(t *testing.T) {
	_, err := New(nil, Options{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)
}
