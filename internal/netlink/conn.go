//go:build linux

package netlink

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a bound connector socket.
type Conn struct {
	fd     int
	buf    []byte
	closed atomic.Bool
}

// Dial opens a NETLINK_CONNECTOR datagram socket bound to port pid and
// multicast group mask groups.
func Dial(pid, groups uint32, pollInterval time.Duration) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("creating netlink socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: pid, Groups: groups}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd) //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("binding netlink socket: %w", err)
	}

	if pollInterval > 0 {
		tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd) //nolint:errcheck // Best-effort cleanup in error path
			return nil, fmt.Errorf("setting receive timeout: %w", err)
		}
	}

	return &Conn{fd: fd, buf: make([]byte, DefaultBufferSize)}, nil
}

// Send writes one datagram to the kernel.
func (c *Conn) Send(b []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := unix.Sendto(c.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending to netlink socket: %w", err)
	}
	return nil
}

// Receive reads one datagram sent by the kernel. Datagrams from other
// sockets are discarded. The returned slice is only valid until the next
// call. It returns os.ErrDeadlineExceeded when the poll interval elapses
// without data and net.ErrClosed after Close.
func (c *Conn) Receive() ([]byte, error) {
	for {
		if c.closed.Load() {
			return nil, net.ErrClosed
		}

		n, from, err := unix.Recvfrom(c.fd, c.buf, 0)
		switch {
		case err == nil && !fromKernel(from):
			continue
		case err == nil:
			return c.buf[:n], nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return nil, os.ErrDeadlineExceeded
		case errors.Is(err, unix.EBADF) && c.closed.Load():
			return nil, net.ErrClosed
		case errors.Is(err, unix.ENOBUFS):
			// The kernel dropped multicast messages; the feed is best-effort.
			continue
		default:
			return nil, fmt.Errorf("receiving from netlink socket: %w", err)
		}
	}
}

// fromKernel reports whether a datagram came from the kernel (port 0)
// rather than another user space socket.
func fromKernel(from unix.Sockaddr) bool {
	sa, ok := from.(*unix.SockaddrNetlink)
	return ok && sa.Pid == 0
}

// Close releases the socket.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("closing netlink socket: %w", err)
	}
	return nil
}
