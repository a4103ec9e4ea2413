// Package server implements the filemux server: a single-threaded event loop
// that multiplexes every connection over a readiness facility and dispatches
// completed requests to a Handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/filemux/internal/netpoll"
	"github.com/rfratto/filemux/internal/wire"
	"go.uber.org/atomic"
)

type Options struct {
	// ListenAddr is the TCP address to listen on. An empty host listens on
	// all local addresses.
	ListenAddr string

	// ConnTimeout bounds the time between accepting a connection and closing
	// it. Connections which exceed it are closed without a reply. 0 means to
	// never time out.
	ConnTimeout time.Duration

	// EventBatchSize is the maximum number of readiness events handled per
	// loop turn. If EventBatchSize is <= 0, it will obtain its default from
	// DefaultOptions.
	EventBatchSize int

	// Handler is used for handling individual requests.
	Handler Handler

	// Optional middleware to preprocess requests with.
	Middleware []Middleware

	// Registerer to register metrics with. Metrics are still collected but
	// not exposed when nil.
	Registerer prometheus.Registerer
}

// DefaultOptions provides defaults for Server.
var DefaultOptions = Options{
	ListenAddr:     ":2000",
	ConnTimeout:    30 * time.Second,
	EventBatchSize: 128,
}

var (
	errServerClosed = errors.New("server closed")
	errConnTimeout  = errors.New("connection timed out")
	errEmptyRequest = errors.New("peer closed before sending a command")
)

// Server is a filemux server. Every connection carries exactly one request
// and is driven by a single event loop without per-connection goroutines.
type Server struct {
	log     log.Logger
	o       Options
	metrics *metrics

	// The middleware to execute before the handler
	mw      Middleware
	handler Invoker

	poller *netpoll.Poller
	lfd    int
	addr   *net.TCPAddr

	// Owned by the event loop.
	conns   map[int]*conn
	readBuf []byte

	serving atomic.Bool
	closed  atomic.Bool
}

// New creates a new Server and binds its listener. Call Serve to start
// accepting connections.
func New(l log.Logger, o Options) (*Server, error) {
	if o.Handler == nil {
		return nil, fmt.Errorf("Handler must be set")
	}
	if o.EventBatchSize <= 0 {
		o.EventBatchSize = DefaultOptions.EventBatchSize
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	poller, err := netpoll.New()
	if err != nil {
		return nil, fmt.Errorf("creating poller: %w", err)
	}
	lfd, addr, err := netpoll.Listen(o.ListenAddr)
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("listening on %q: %w", o.ListenAddr, err)
	}
	// The listener is registered for accept readiness for its entire life.
	if err := poller.Add(lfd, netpoll.In); err != nil {
		_ = netpoll.Close(lfd)
		_ = poller.Close()
		return nil, err
	}

	return &Server{
		log:     l,
		o:       o,
		metrics: newMetrics(o.Registerer),

		mw:      chainMiddleware(o.Middleware),
		handler: handlerInvoker(o.Handler),

		poller: poller,
		lfd:    lfd,
		addr:   addr,

		conns:   make(map[int]*conn),
		readBuf: make([]byte, wire.MaxArgumentLen(wire.CommandRename)+1),
	}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve runs the event loop. Serve only returns if ctx is canceled or the
// readiness facility fails permanently. All connections and the listener
// are closed before Serve returns.
//
// Serve should not be called again after it has exited.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CAS(false, true) {
		return fmt.Errorf("Serve called more than once")
	}

	// The readiness wait blocks without observing ctx, so a dedicated
	// goroutine wakes the poller once ctx is canceled. It must exit before
	// the poller is closed.
	exited := make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(exited)
		<-ctx.Done()
		if err := s.poller.Wake(); err != nil {
			level.Warn(s.log).Log("msg", "failed to wake event loop", "err", err)
		}
	}()
	defer func() {
		cancel()
		<-exited

		level.Info(s.log).Log("msg", "filemux server exiting")
		if err := s.shutdown(); err != nil {
			level.Error(s.log).Log("msg", "error when shutting down server", "err", err)
		}
	}()

	level.Info(s.log).Log("msg", "serving files", "addr", s.addr)

	events := make([]netpoll.Event, s.o.EventBatchSize)
	for {
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, breaking out of event loop")
			return nil
		}

		timeout := s.expire(time.Now())
		n, err := s.poller.Wait(events, timeout)
		if errors.Is(err, netpoll.ErrClosed) {
			return err
		} else if err != nil {
			level.Error(s.log).Log("msg", "readiness wait failed", "err", err)
			continue
		}

		for _, ev := range events[:n] {
			if ev.FD == s.lfd {
				s.acceptAll()
				continue
			}
			c, ok := s.conns[ev.FD]
			if !ok {
				continue
			}
			s.dispatch(ctx, c, ev)
		}
	}
}

// Close releases the listener and poller of a Server that was never served.
// Serving servers are closed by canceling the context passed to Serve.
func (s *Server) Close() error {
	if s.serving.Load() {
		return fmt.Errorf("server is serving; cancel the Serve context instead")
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	if !s.closed.CAS(false, true) {
		return nil
	}

	var result error
	for _, c := range s.conns {
		s.closeConn(c, errServerClosed)
	}
	if err := netpoll.Close(s.lfd); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
	}
	if err := s.poller.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing poller: %w", err))
	}
	return result
}

// acceptAll accepts every pending connection and registers each for read
// readiness.
func (s *Server) acceptAll() {
	for {
		fd, remote, err := netpoll.Accept(s.lfd)
		if errors.Is(err, netpoll.ErrWouldBlock) {
			return
		} else if err != nil {
			s.metrics.acceptErrors.Inc()
			level.Error(s.log).Log("msg", "failed to accept connection", "err", err)
			return
		}

		c := newConn(fd, remote, time.Now(), s.o.ConnTimeout)
		if err := s.poller.Add(fd, netpoll.In); err != nil {
			level.Error(s.log).Log("msg", "failed to register connection", "err", err)
			_ = netpoll.Close(fd)
			continue
		}
		c.interest = netpoll.In
		s.conns[fd] = c

		s.metrics.connectionsAccepted.Inc()
		s.metrics.connectionsActive.Inc()
		level.Debug(s.log).Log("msg", "accepted connection", "conn", c.id, "remote", remote)
	}
}

// expire closes every connection whose deadline has passed and returns how
// long the next readiness wait may block. A negative duration blocks
// indefinitely.
func (s *Server) expire(now time.Time) time.Duration {
	if s.o.ConnTimeout <= 0 || len(s.conns) == 0 {
		return -1
	}

	var next time.Time
	for _, c := range s.conns {
		if !now.Before(c.deadline) {
			s.metrics.connectionTimeouts.Inc()
			level.Warn(s.log).Log("msg", "closing connection which exceeded timeout", "conn", c.id, "remote", c.remote, "phase", c.phase)
			s.closeConn(c, errConnTimeout)
			continue
		}
		if next.IsZero() || c.deadline.Before(next) {
			next = c.deadline
		}
	}

	if next.IsZero() {
		return -1
	}
	return next.Sub(now)
}
