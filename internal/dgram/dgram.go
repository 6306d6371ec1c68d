// Package dgram provides a non-blocking UDP datagram socket sized for
// tappet's event loop: raw fd, EAGAIN/EWOULDBLOCK surfaced as ErrWouldBlock
// rather than swallowed, and the don't-fragment socket option set so that
// oversized datagrams are reported back rather than silently fragmented.
package dgram

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by RecvFrom when no datagram is currently
// queued on the socket. Callers should stop draining and return to poll.
var ErrWouldBlock = errors.New("dgram: would block")

// Conn is a non-blocking UDP socket.
type Conn struct {
	fd     int
	family int
}

// New creates a non-blocking UDP socket. If bindAddr is non-nil the socket
// is bound to it and takes its address family; a nil bindAddr gives an
// unbound IPv4 socket. The listener role binds its configured address; a
// connector role passes nil (IPv4 peer) or the IPv6 wildcard address with
// port 0 (IPv6 peer) and relies on SendTo's destination argument for every
// send.
func New(bindAddr *net.UDPAddr) (*Conn, error) {
	family := unix.AF_INET
	if bindAddr != nil && bindAddr.IP != nil && bindAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("dgram: socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("dgram: set nonblocking: %w", err)
	}
	if err := setDontFragment(fd, family); err != nil {
		return nil, fmt.Errorf("dgram: set don't-fragment: %w", err)
	}

	if bindAddr != nil {
		sa, err := toSockaddr(bindAddr, family)
		if err != nil {
			return nil, fmt.Errorf("dgram: bind address: %w", err)
		}
		if err := unix.Bind(fd, sa); err != nil {
			return nil, fmt.Errorf("dgram: bind: %w", err)
		}
	}

	ok = true
	return &Conn{fd: fd, family: family}, nil
}

// Fd returns the underlying file descriptor, for use with unix.Poll.
func (c *Conn) Fd() int {
	return c.fd
}

// LocalAddr returns the address the kernel bound the socket to, resolving
// an ephemeral port 0 to whatever was actually assigned.
func (c *Conn) LocalAddr() (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return nil, fmt.Errorf("dgram: getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

// RecvFrom reads one datagram into buf. It returns ErrWouldBlock if the
// socket currently has nothing queued, and retries internally on EINTR.
func (c *Conn) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	for {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err == nil {
			return n, fromSockaddr(from), nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, fmt.Errorf("dgram: recvfrom: %w", err)
	}
}

// SendTo writes buf as a single datagram to addr, retrying internally on
// EINTR. A partial write is impossible for a datagram socket: the kernel
// either accepts the whole message or rejects it.
func (c *Conn) SendTo(buf []byte, addr *net.UDPAddr) error {
	sa, err := toSockaddr(addr, c.family)
	if err != nil {
		return fmt.Errorf("dgram: destination address: %w", err)
	}
	for {
		err := unix.Sendto(c.fd, buf, 0, sa)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("dgram: sendto: %w", err)
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func toSockaddr(addr *net.UDPAddr, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		ip := addr.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("address %s is not a valid IPv6 address", addr.IP)
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("address %s is not a valid IPv4 address", addr.IP)
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]).To4(), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}
	default:
		return &net.UDPAddr{}
	}
}

// setDontFragment asks the kernel not to fragment outbound datagrams,
// surfacing EMSGSIZE instead. This lets the idle-keepalive's MTU
// advertisement (internal/keepalive) reflect what actually made it across
// the path rather than a fragmented-and-reassembled illusion of success.
func setDontFragment(fd, family int) error {
	if family == unix.AF_INET6 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
}
