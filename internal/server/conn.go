package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-kit/log/level"
	"github.com/rfratto/filemux/internal/netpoll"
	"github.com/rfratto/filemux/internal/wire"
	uuid "github.com/satori/go.uuid"
)

const (
	// chunkSize is the size of reads from a payload source.
	chunkSize = 32 * 1024

	// writeBudget caps the bytes written to one connection per loop turn so
	// a fast reader of a large file cannot starve other connections.
	writeBudget = 8 * chunkSize
)

// phase is the state of a connection. A connection only moves forward
// through the phases and always ends in phaseClosed.
type phase int

const (
	phaseReadCommand phase = iota // Waiting for the command byte.
	phaseReadArgs                 // Accumulating the argument until end-of-stream.
	phaseReply                    // Reply code not yet written.
	phaseStream                   // Reply code written; writing payload.
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseReadCommand:
		return "reading-command"
	case phaseReadArgs:
		return "reading-args"
	case phaseReply:
		return "replying"
	case phaseStream:
		return "streaming"
	case phaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// conn is the state record of a single accepted connection.
type conn struct {
	fd       int
	id       string
	remote   net.Addr
	accepted time.Time
	deadline time.Time // Zero when connections never time out.
	interest netpoll.Interest

	phase    phase
	cmd      wire.Command
	arg      []byte
	overflow bool // The argument exceeded its limit and is being discarded.

	reply   wire.Reply
	out     []byte        // Pending output.
	body    io.ReadCloser // Payload source; nil once exhausted.
	chunk   []byte
	written int64
}

func newConn(fd int, remote *net.TCPAddr, now time.Time, timeout time.Duration) *conn {
	c := &conn{
		fd:       fd,
		id:       uuid.NewV4().String(),
		accepted: now,
		phase:    phaseReadCommand,
	}
	if remote != nil {
		c.remote = remote
	}
	if timeout > 0 {
		c.deadline = now.Add(timeout)
	}
	return c
}

func (c *conn) appendArg(data []byte) {
	if c.overflow || len(data) == 0 {
		return
	}
	if len(c.arg)+len(data) > wire.MaxArgumentLen(c.cmd) {
		// Keep draining to end-of-stream so the peer still receives a reply.
		c.overflow = true
		c.arg = nil
		return
	}
	c.arg = append(c.arg, data...)
}

// dispatch advances c after a readiness notification.
func (s *Server) dispatch(ctx context.Context, c *conn, ev netpoll.Event) {
	switch c.phase {
	case phaseReadCommand, phaseReadArgs:
		s.readRequest(ctx, c)
	case phaseReply, phaseStream:
		s.flush(c)
	}
}

// readRequest reads until the socket would block. The command byte alone
// completes list and unknown requests; every other request completes at
// end-of-stream.
func (s *Server) readRequest(ctx context.Context, c *conn) {
	for {
		n, err := netpoll.Read(c.fd, s.readBuf)
		switch {
		case errors.Is(err, netpoll.ErrWouldBlock):
			return
		case errors.Is(err, io.EOF):
			if c.phase == phaseReadCommand {
				s.closeConn(c, errEmptyRequest)
				return
			}
			s.execute(ctx, c)
			return
		case err != nil:
			s.closeConn(c, err)
			return
		}

		data := s.readBuf[:n]
		if c.phase == phaseReadCommand {
			c.cmd = wire.Command(data[0])
			data = data[1:]
			if !c.cmd.HasArgument() {
				s.execute(ctx, c)
				return
			}
			c.phase = phaseReadArgs
		}
		c.appendArg(data)
	}
}

// execute runs the request held by c and begins writing the reply.
func (s *Server) execute(ctx context.Context, c *conn) {
	hdr := &wire.RequestHeader{Command: c.cmd, ConnID: c.id, Remote: c.remote}

	var (
		resp wire.Response
		err  error
	)
	if c.overflow {
		err = fmt.Errorf("%s argument exceeds %d bytes: %w", c.cmd, wire.MaxArgumentLen(c.cmd), wire.ErrorArgumentTooLong)
	} else {
		var req wire.Request
		req, err = wire.ParseRequest(c.cmd, c.arg)
		if err == nil {
			resp, err = s.invoke(ctx, c, hdr, req)
		}
	}
	c.arg = nil

	c.reply = wire.ReplyFor(err)
	s.metrics.requestsTotal.WithLabelValues(commandLabel(c.cmd), c.reply.String()).Inc()

	if err != nil {
		level.Debug(s.log).Log("msg", "refusing request", "conn", c.id, "cmd", c.cmd, "err", err)
		closeResponse(resp)
		c.out = []byte{byte(wire.ReplyFailure)}
	} else {
		c.out, c.body = encodeResponse(resp)
	}

	c.phase = phaseReply
	s.flush(c)
}

func (s *Server) invoke(ctx context.Context, c *conn, hdr *wire.RequestHeader, req wire.Request) (wire.Response, error) {
	if !c.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, c.deadline)
		defer cancel()
	}
	return s.mw.HandleRequest(ctx, hdr, req, s.handler)
}

// encodeResponse returns the bytes to write for a successful request,
// starting with the reply code, and an optional payload source to stream
// after them.
func encodeResponse(resp wire.Response) ([]byte, io.ReadCloser) {
	out := []byte{byte(wire.ReplySuccess)}

	switch resp := resp.(type) {
	case *wire.ListResponse:
		if resp != nil {
			for _, e := range resp.Entries {
				out = wire.AppendEntry(out, e)
			}
		}
	case *wire.GetResponse:
		if resp != nil && resp.Body != nil {
			return out, resp.Body
		}
	}
	return out, nil
}

// closeResponse releases a payload source of a response that won't be sent.
func closeResponse(resp wire.Response) {
	if resp, ok := resp.(*wire.GetResponse); ok && resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// flush writes pending output until the socket would block, the per-turn
// budget is spent, or the response is complete.
func (s *Server) flush(c *conn) {
	budget := writeBudget

	for {
		if len(c.out) == 0 {
			if c.body == nil {
				s.finish(c)
				return
			}
			if c.chunk == nil {
				c.chunk = make([]byte, chunkSize)
			}

			n, err := c.body.Read(c.chunk)
			c.out = c.chunk[:n]
			if errors.Is(err, io.EOF) {
				s.closeBody(c)
			} else if err != nil {
				// The reply code is already out, so the peer observes a
				// truncated payload.
				s.closeConn(c, fmt.Errorf("reading payload: %w", err))
				return
			}
			continue
		}

		if budget <= 0 {
			s.watch(c, netpoll.Out)
			return
		}

		n, err := netpoll.Write(c.fd, c.out)
		if errors.Is(err, netpoll.ErrWouldBlock) {
			s.watch(c, netpoll.Out)
			return
		} else if err != nil {
			s.closeConn(c, err)
			return
		}

		if n > 0 && c.phase == phaseReply {
			c.phase = phaseStream
		}
		c.out = c.out[n:]
		c.written += int64(n)
		budget -= n
	}
}

// watch changes the readiness events c is registered for.
func (s *Server) watch(c *conn, i netpoll.Interest) {
	if c.interest == i {
		return
	}
	if err := s.poller.Modify(c.fd, i); err != nil {
		s.closeConn(c, err)
		return
	}
	c.interest = i
}

// finish half-closes c so the peer sees the end of the payload, then closes
// it.
func (s *Server) finish(c *conn) {
	if err := netpoll.CloseWrite(c.fd); err != nil {
		level.Debug(s.log).Log("msg", "failed to half-close connection", "conn", c.id, "err", err)
	}
	s.closeConn(c, nil)
}

func (s *Server) closeBody(c *conn) {
	if c.body == nil {
		return
	}
	if err := c.body.Close(); err != nil {
		level.Warn(s.log).Log("msg", "failed to close payload source", "conn", c.id, "err", err)
	}
	c.body = nil
}

// closeConn releases c exactly once. cause is nil when the response was
// written completely.
func (s *Server) closeConn(c *conn, cause error) {
	if c.phase == phaseClosed {
		return
	}
	last := c.phase
	c.phase = phaseClosed

	if err := s.poller.Remove(c.fd); err != nil {
		level.Debug(s.log).Log("msg", "failed to deregister connection", "conn", c.id, "err", err)
	}
	if err := netpoll.Close(c.fd); err != nil {
		level.Warn(s.log).Log("msg", "failed to close connection", "conn", c.id, "err", err)
	}
	s.closeBody(c)
	delete(s.conns, c.fd)

	label := commandLabel(c.cmd)
	if last == phaseReadCommand {
		label = "none"
	}
	s.metrics.connectionsActive.Dec()
	s.metrics.requestDuration.WithLabelValues(label).Observe(time.Since(c.accepted).Seconds())
	if c.written > 1 {
		s.metrics.payloadBytes.WithLabelValues(label).Add(float64(c.written - 1))
	}

	if cause != nil {
		level.Debug(s.log).Log("msg", "closed connection", "conn", c.id, "phase", last, "written", c.written, "err", cause)
		return
	}
	level.Debug(s.log).Log("msg", "completed request", "conn", c.id, "cmd", c.cmd, "reply", c.reply, "written", c.written)
}

func commandLabel(c wire.Command) string {
	if !c.Valid() {
		return "unknown"
	}
	return c.String()
}
