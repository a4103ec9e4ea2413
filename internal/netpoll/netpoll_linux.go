//go:build linux

package netpoll

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Poller is a level-triggered epoll instance. Wait must only be called from
// one goroutine at a time; Wake may be called from any goroutine.
type Poller struct {
	epfd   int
	wakefd int

	closed atomic.Bool
	mut    sync.Mutex // Protects closing against Wake.

	raw []unix.EpollEvent
}

// New creates a new Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{epfd: epfd, wakefd: wakefd}
	if err := p.Add(wakefd, In); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func epollEvents(i Interest) uint32 {
	var ev uint32
	if i&In != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&Out != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add starts watching fd for the events in i.
func (p *Poller) Add(fd int, i Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, i)
}

// Modify changes the events fd is watched for.
func (p *Poller) Modify(fd int, i Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, i)
}

// Remove stops watching fd.
func (p *Poller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) ctl(op int, fd int, i Interest) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(i), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one watched file descriptor is ready, Wake is
// called, or timeout elapses. A negative timeout waits indefinitely. Ready
// events are written to events and the count is returned. Wakeups are
// consumed internally and never reported.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("netpoll: empty event buffer")
	}
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	msec := -1
	if timeout >= 0 {
		// Round up so a sub-millisecond deadline doesn't spin.
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err == unix.EINTR {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	var count int
	for _, ev := range raw[:n] {
		if int(ev.Fd) == p.wakefd {
			p.drainWake()
			continue
		}
		events[count] = Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
		count++
	}
	return count, nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

// Wake interrupts a pending or the next call to Wait.
func (p *Poller) Wake() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.closed.Load() {
		return ErrClosed
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(p.wakefd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is saturated, so a wakeup is already
			// pending.
			return nil
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

// Close releases the epoll instance. File descriptors registered with p are
// not closed.
func (p *Poller) Close() error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if !p.closed.CAS(false, true) {
		return nil
	}
	werr := unix.Close(p.wakefd)
	if err := unix.Close(p.epfd); err != nil {
		return err
	}
	return werr
}

// Listen opens a non-blocking TCP listening socket bound to addr. An empty
// host binds to all local IPv4 addresses. The bound address is returned so
// callers can discover the port chosen for port 0.
func Listen(addr string) (fd int, bound *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	family := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fd, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, toSockaddr(family, tcpAddr)); err != nil {
		return fd, nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fd, nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fd, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, fromSockaddr(sa), nil
}

// Accept accepts a pending connection on the listening socket fd. The
// accepted socket is non-blocking. ErrWouldBlock is returned when no
// connection is pending.
func Accept(fd int) (nfd int, remote *net.TCPAddr, err error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			return nfd, fromSockaddr(sa), nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, nil, ErrWouldBlock
		default:
			return -1, nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// Read reads from fd into b. io.EOF is returned once the peer has half-closed
// and all data was consumed.
func Read(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(b) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes b to the socket fd, returning the number of bytes the kernel
// accepted. Writing to a reset connection returns EPIPE without raising
// SIGPIPE.
func Write(fd int, b []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, b, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// CloseWrite shuts down the write side of fd so the peer observes
// end-of-stream.
func CloseWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// Close closes fd. Closing a descriptor also removes it from every epoll
// instance it was registered with.
func Close(fd int) error {
	return unix.Close(fd)
}

func toSockaddr(family int, addr *net.TCPAddr) unix.Sockaddr {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}
