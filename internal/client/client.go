// Package client implements a filemux client. Each operation opens a new TCP
// connection, sends one request, and reads the reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rfratto/filemux/internal/wire"
)

var (
	// ErrRejected is returned when the server replies with a failure code.
	ErrRejected = errors.New("request rejected by server")

	// ErrTruncated is returned when a payload ends before it is complete.
	ErrTruncated = errors.New("payload truncated")
)

// DefaultTimeout is the default timeout for a single operation.
const DefaultTimeout = 30 * time.Second

// Client sends requests to a filemux server.
type Client struct {
	// Addr is the host:port of the server.
	Addr string

	// Timeout bounds each operation, including reading its payload. 0 means
	// to never time out.
	Timeout time.Duration

	dialer net.Dialer
}

// New creates a new Client for the server at addr.
func New(addr string) *Client {
	return &Client{Addr: addr, Timeout: DefaultTimeout}
}

// List returns the regular files in the served directory.
func (c *Client) List(ctx context.Context) ([]wire.Entry, error) {
	conn, err := c.do(ctx, &wire.ListRequest{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entries, err := wire.ReadListing(conn)
	if errors.Is(err, wire.ErrorMalformedListing) {
		return entries, fmt.Errorf("%w: %s", ErrTruncated, err)
	}
	return entries, err
}

// Delete removes name from the served directory.
func (c *Client) Delete(ctx context.Context, name string) error {
	conn, err := c.do(ctx, &wire.DeleteRequest{Name: name})
	if err != nil {
		return err
	}
	return conn.Close()
}

// Rename renames oldName to newName in the served directory.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	conn, err := c.do(ctx, &wire.RenameRequest{OldName: oldName, NewName: newName})
	if err != nil {
		return err
	}
	return conn.Close()
}

// Get copies the contents of name to w, returning the number of bytes
// copied. The payload has no length prefix, so a connection which breaks
// mid-transfer surfaces as a read error rather than ErrTruncated.
func (c *Client) Get(ctx context.Context, name string, w io.Writer) (int64, error) {
	conn, err := c.do(ctx, &wire.GetRequest{Name: name})
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := io.Copy(w, conn)
	if err != nil {
		return n, fmt.Errorf("receiving %s: %w", name, err)
	}
	return n, nil
}

// do sends req over a new connection and reads the reply code. On success,
// the returned connection is positioned at the start of the payload.
func (c *Client) do(ctx context.Context, req wire.Request) (conn *net.TCPConn, err error) {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	if c.Timeout > 0 {
		// The context only bounds dialing; the deadline below bounds the rest.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	nc, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.Addr, err)
	}
	conn = nc.(*net.TCPConn)
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	// The half-close terminates the request.
	if err := conn.CloseWrite(); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	switch reply {
	case wire.ReplySuccess:
		return conn, nil
	case wire.ReplyFailure:
		return nil, ErrRejected
	}
	return nil, fmt.Errorf("unexpected reply code 0x%02x", byte(reply))
}

// readReply reads exactly one reply byte, looping over short reads.
func readReply(r io.Reader) (wire.Reply, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("server closed the connection without replying")
		}
		return 0, fmt.Errorf("reading reply: %w", err)
	}
	return wire.Reply(buf[0]), nil
}
