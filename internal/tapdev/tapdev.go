//go:build linux

// Package tapdev attaches to a Linux tap device and exposes it as a
// non-blocking, fixed-MTU-agnostic byte stream, grounded directly on the
// TUNSETIFF ioctl sequence used by the classic C tap_attach helper this
// daemon's plumbing layer is modeled on.
package tapdev

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Read when the tap device currently has no
// frame queued.
var ErrWouldBlock = errors.New("tapdev: would block")

const (
	devNetTun = "/dev/net/tun"

	// ifNameSize is IFNAMSIZ on Linux.
	ifNameSize = 16

	// tunSetIff is the TUNSETIFF ioctl request number (_IOW('T', 202, int)
	// on Linux, as used by tap_attach in the reference implementation).
	tunSetIff = 0x400454ca
)

// ifReq mirrors struct ifreq's layout as used for TUNSETIFF: a 16-byte
// interface name followed by the flags field, padded to the kernel's
// struct ifreq size.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte
}

// Device is an attached, non-blocking Linux tap device.
type Device struct {
	fd   int
	name string
}

// Attach opens /dev/net/tun and binds it to the named tap interface in
// IFF_TAP|IFF_NO_PI mode (raw Ethernet frames, no protocol-info header),
// then switches the resulting fd to non-blocking mode.
func Attach(name string) (*Device, error) {
	if len(name) >= ifNameSize {
		return nil, fmt.Errorf("tapdev: interface name %q exceeds %d bytes", name, ifNameSize-1)
	}

	fd, err := unix.Open(devNetTun, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdev: open %s: %w", devNetTun, err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	var req ifReq
	copy(req.name[:], name)
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		return nil, fmt.Errorf("tapdev: TUNSETIFF %q: %w", name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("tapdev: set nonblocking: %w", err)
	}

	ok = true
	return &Device{fd: fd, name: name}, nil
}

// Fd returns the underlying file descriptor, for use with unix.Poll.
func (d *Device) Fd() int {
	return d.fd
}

// Read reads one Ethernet frame into buf. It returns ErrWouldBlock if no
// frame is currently queued, and retries internally on EINTR.
func (d *Device) Read(buf []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("tapdev: read: %w", err)
	}
}

// Write writes one Ethernet frame to the tap device, retrying internally
// on EINTR.
func (d *Device) Write(buf []byte) error {
	for {
		_, err := unix.Write(d.fd, buf)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("tapdev: write: %w", err)
	}
}

// Close closes the tap device.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Name returns the interface name this device was attached to.
func (d *Device) Name() string {
	return d.name
}
