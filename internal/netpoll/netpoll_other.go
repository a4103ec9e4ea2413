//go:build !linux

package netpoll

import (
	"net"
	"time"
)

// Poller is unavailable on this platform.
type Poller struct{}

// New always returns ErrUnsupported.
func New() (*Poller, error) { return nil, ErrUnsupported }

func (p *Poller) Add(fd int, i Interest) error    { return ErrUnsupported }
func (p *Poller) Modify(fd int, i Interest) error { return ErrUnsupported }
func (p *Poller) Remove(fd int) error             { return ErrUnsupported }
func (p *Poller) Wake() error                     { return ErrUnsupported }
func (p *Poller) Close() error                    { return nil }

func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}

func Listen(addr string) (int, *net.TCPAddr, error) { return -1, nil, ErrUnsupported }
func Accept(fd int) (int, *net.TCPAddr, error)      { return -1, nil, ErrUnsupported }
func Read(fd int, b []byte) (int, error)            { return 0, ErrUnsupported }
func Write(fd int, b []byte) (int, error)           { return 0, ErrUnsupported }
func CloseWrite(fd int) error                       { return ErrUnsupported }
func Close(fd int) error                            { return ErrUnsupported }
