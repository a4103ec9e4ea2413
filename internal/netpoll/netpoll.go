// Package netpoll exposes a readiness facility and non-blocking TCP socket
// primitives. A Poller watches file descriptors and reports when they can
// make progress without blocking; the socket helpers never block.
//
// netpoll is only implemented on Linux, where it is backed by epoll. Other
// platforms compile but return ErrUnsupported.
package netpoll

import "errors"

// Interest is the set of readiness events a file descriptor is watched for.
type Interest uint32

// Interest values that may be combined.
const (
	In  Interest = 1 << iota // Readable, including end-of-stream.
	Out                      // Writable.
)

// Event is a readiness notification for a single file descriptor.
type Event struct {
	FD       int
	Readable bool // Data or end-of-stream is available.
	Writable bool // Writes will not block.
	Hangup   bool // The peer hung up or the socket has a pending error.
}

var (
	// ErrWouldBlock is returned by non-blocking operations which cannot make
	// progress until the file descriptor becomes ready.
	ErrWouldBlock = errors.New("netpoll: operation would block")

	// ErrClosed is returned when using a closed Poller.
	ErrClosed = errors.New("netpoll: poller closed")

	// ErrUnsupported is returned on platforms without a readiness facility.
	ErrUnsupported = errors.New("netpoll: unsupported platform")
)
