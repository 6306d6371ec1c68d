// Package loop implements the tunnel engine: the single-threaded,
// non-blocking event loop that multiplexes a tap device with a UDP
// datagram socket, performing authenticated encryption outbound and
// authenticated decryption with replay rejection inbound, while tracking
// per-tunnel state (peer address, nonces, MTU probes) and emitting
// keepalive/MTU-advertisement traffic on idle intervals.
//
// The Tunnel is the sole owner and mutator of its peer address, nonces,
// and size counters; nothing outside this package ever touches them,
// which is what lets the rest of the datapath stay lock-free.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tappet/tappet/internal/crypto"
	"github.com/tappet/tappet/internal/dgram"
	"github.com/tappet/tappet/internal/keepalive"
	"github.com/tappet/tappet/internal/noncemgr"
	"github.com/tappet/tappet/internal/tapdev"
	"github.com/tappet/tappet/pkg/wire"

	"golang.org/x/sys/unix"
)

// idleTimeout is how long the loop waits with neither the socket nor the
// tap device becoming readable before emitting a keepalive/MTU-advertisement
// datagram.
const idleTimeout = 10 * time.Second

// FatalError distinguishes a condition that must terminate the tunnel
// (a syscall failure on the datapath, or nonce-counter exhaustion) from
// the ordinary, expected per-packet drops a public UDP listener sees
// constantly. Callers use errors.As rather than matching on error text.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("loop: fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// DatagramIO is the subset of *dgram.Conn the loop depends on, extracted
// so tests can exercise the state machine with a fake socket.
type DatagramIO interface {
	Fd() int
	RecvFrom(buf []byte) (int, *net.UDPAddr, error)
	SendTo(buf []byte, addr *net.UDPAddr) error
}

// TapIO is the subset of *tapdev.Device the loop depends on.
type TapIO interface {
	Fd() int
	Read(buf []byte) (int, error)
	Write(buf []byte) error
}

// Config configures a new Tunnel.
type Config struct {
	Role Role

	OurPrivate  [crypto.KeySize]byte
	TheirPublic [crypto.KeySize]byte

	// NoncePrefix is this run's freshly incremented, persisted prefix
	// (internal/keyfile.ReadIncrementPersist).
	NoncePrefix uint32

	// InitialPeer is the address the connector dials immediately. It must
	// be nil for the listener role, which learns its peer from the first
	// authenticated datagram.
	InitialPeer *net.UDPAddr

	Dgram DatagramIO
	Tap   TapIO
	Log   *slog.Logger
}

// Role is an alias of wire.Role so callers don't need to import pkg/wire
// just to build a Config.
type Role = wire.Role

const (
	RoleConnector = wire.RoleConnector
	RoleListener  = wire.RoleListener
)

// Tunnel is one running point-to-point encrypted tunnel.
type Tunnel struct {
	role Role
	side noncemgr.SideTag

	shared *crypto.SharedKey

	ourNonce   noncemgr.Nonce
	theirNonce noncemgr.Nonce

	peerAddr  *net.UDPAddr
	peerKnown bool

	biggestTried uint16
	biggestSent  uint16
	biggestRcvd  uint16

	dgram DatagramIO
	tap   TapIO
	log   *slog.Logger

	// Fixed buffers reused across iterations so the datapath never
	// allocates once the tunnel is running. tapBuf and keepBuf carry the
	// zero prefix permanently in their leading ZeroPrefixSize bytes: a
	// frame or keepalive payload is written starting at that offset, so
	// the buffer itself is already the plaintext sealAndSend needs.
	dgramBuf []byte
	tapBuf   []byte
	keepBuf  [wire.ZeroPrefixSize + wire.KeepalivePayloadSize]byte
	sealBuf  []byte
	openBuf  []byte
}

func sideForRole(role Role) noncemgr.SideTag {
	if role == wire.RoleListener {
		return noncemgr.SideListener
	}
	return noncemgr.SideConnector
}

// New builds a Tunnel ready to Run. The shared secret is precomputed
// once here; nonces are seeded from cfg.NoncePrefix.
func New(cfg Config) (*Tunnel, error) {
	if cfg.Role == wire.RoleConnector && cfg.InitialPeer == nil {
		return nil, fmt.Errorf("loop: connector role requires an initial peer address")
	}
	if cfg.Role == wire.RoleListener && cfg.InitialPeer != nil {
		return nil, fmt.Errorf("loop: listener role must not be given an initial peer address")
	}
	if cfg.NoncePrefix == 0 {
		return nil, fmt.Errorf("loop: nonce prefix 0 is reserved as uninitialized")
	}

	side := sideForRole(cfg.Role)
	shared := crypto.Precompute(&cfg.TheirPublic, &cfg.OurPrivate)

	t := &Tunnel{
		role:      cfg.Role,
		side:      side,
		shared:    shared,
		ourNonce:  noncemgr.Initial(side, cfg.NoncePrefix),
		peerAddr:  cfg.InitialPeer,
		peerKnown: cfg.InitialPeer != nil,
		dgram:     cfg.Dgram,
		tap:       cfg.Tap,
		log:       cfg.Log,
		dgramBuf:  make([]byte, wire.MaxWireSize),
		tapBuf:    make([]byte, wire.MaxDatagramSize),
		sealBuf:   make([]byte, 0, wire.MaxWireSize),
		openBuf:   make([]byte, 0, wire.MaxDatagramSize),
	}
	return t, nil
}

// Run drives the tunnel until ctx is cancelled or a fatal error occurs.
// The connector sends an initial keepalive (size=0) before entering the
// poll loop, per the handshake: this is what lets the listener learn its
// peer.
func (t *Tunnel) Run(ctx context.Context) error {
	if t.role == wire.RoleConnector {
		if err := t.sendKeepalive(); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fds := []unix.PollFd{{Fd: int32(t.dgram.Fd()), Events: unix.POLLIN}}
		tapIdx := -1
		if t.peerKnown {
			fds = append(fds, unix.PollFd{Fd: int32(t.tap.Fd()), Events: unix.POLLIN})
			tapIdx = 1
		}

		n, err := unix.Poll(fds, int(idleTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fatal("poll", err)
		}

		if n == 0 {
			if err := t.sendKeepalive(); err != nil {
				return err
			}
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			if err := t.drainDatagrams(); err != nil {
				return err
			}
		}
		if tapIdx >= 0 && fds[tapIdx].Revents&unix.POLLIN != 0 {
			if err := t.drainTap(); err != nil {
				return err
			}
		}
	}
}

// drainDatagrams reads datagrams from the socket until it would block,
// handling each one in turn. A single malformed or unauthenticated
// datagram never stops the drain.
func (t *Tunnel) drainDatagrams() error {
	for {
		n, from, err := t.dgram.RecvFrom(t.dgramBuf)
		if err == dgram.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return fatal("dgram recv", err)
		}
		if err := t.handleDatagram(t.dgramBuf[:n], from); err != nil {
			return err
		}
	}
}

// handleDatagram implements the inbound state machine: undersized-drop,
// nonce-extraction, decrypt-with-freshness-check, authenticated peer
// rebinding, and payload dispatch.
func (t *Tunnel) handleDatagram(raw []byte, from *net.UDPAddr) error {
	if len(raw) < wire.MinCiphertextSize {
		t.log.Debug("dropping undersized datagram", "len", len(raw), "from", from)
		return nil
	}

	var candidate noncemgr.Nonce
	copy(candidate[:], raw[:wire.NonceSize])
	ciphertext := raw[wire.NonceSize:]

	if noncemgr.SideTag(candidate[0]) != noncemgr.PeerSide(t.side) {
		t.log.Debug("dropping datagram with wrong side tag", "from", from)
		return nil
	}
	if !noncemgr.Accept(t.theirNonce, candidate) {
		t.log.Debug("dropping stale or replayed nonce", "from", from)
		return nil
	}

	cryptoNonce := crypto.Nonce(candidate)
	t.openBuf = t.openBuf[:0]
	plain, ok := crypto.Decrypt(t.openBuf, t.shared, &cryptoNonce, ciphertext)
	if !ok {
		t.log.Debug("dropping datagram that failed authentication", "from", from)
		return nil
	}

	// Authenticated: commit the new nonce, learn/update the peer address,
	// and track the largest datagram successfully received.
	t.theirNonce = candidate
	if !t.peerKnown || !addrEqual(t.peerAddr, from) {
		t.log.Info("peer address (re)bound", "role", t.role, "peer", from)
		t.peerAddr = from
		t.peerKnown = true
	}
	if n := uint16(len(raw)); n > t.biggestRcvd {
		t.biggestRcvd = n
	}

	payload := plain[wire.ZeroPrefixSize:]
	switch wire.Classify(payload) {
	case wire.PayloadFrame:
		if err := t.tap.Write(payload); err != nil {
			return fatal("tap write", err)
		}
	case wire.PayloadKeepalive:
		size := wire.DecodeKeepaliveSize(payload)
		if size > t.biggestSent {
			t.biggestSent = size
		}
		t.log.Debug("keepalive received", "advertised_mtu", size, "from", from)
	case wire.PayloadControlUnknown:
		t.log.Debug("dropping unknown control payload", "from", from)
	}
	return nil
}

// drainTap reads Ethernet frames from the tap device until it would
// block, sealing and forwarding each one to the peer. Frames are read
// directly into tapBuf at offset ZeroPrefixSize, so the buffer is
// already the zero-prefixed plaintext sealAndSend requires; no copy.
func (t *Tunnel) drainTap() error {
	for {
		n, err := t.tap.Read(t.tapBuf[wire.ZeroPrefixSize:])
		if err == tapdev.ErrWouldBlock {
			return nil
		}
		if err != nil {
			return fatal("tap read", err)
		}
		if n == len(t.tapBuf)-wire.ZeroPrefixSize {
			// The kernel never hands back more than the interface MTU in
			// one read; a frame that fills the buffer exactly can't be
			// distinguished from a truncated one, so drop it rather than
			// forward a partial frame.
			t.log.Debug("dropping frame that may have been truncated", "len", n)
			continue
		}
		if err := t.sealAndSend(t.tapBuf[:wire.ZeroPrefixSize+n], true); err != nil {
			return err
		}
	}
}

// sealAndSend encrypts the zero-prefixed plaintext plain under the next
// nonce and sends it to the current peer. isFrame controls whether
// biggestTried is tracked against this send (keepalives are control
// traffic, not probes).
func (t *Tunnel) sealAndSend(plain []byte, isFrame bool) error {
	if !t.peerKnown {
		return nil
	}

	t.sealBuf = t.sealBuf[:0]
	t.sealBuf = append(t.sealBuf, t.ourNonce[:]...)
	cryptoNonce := crypto.Nonce(t.ourNonce)

	sealed, err := crypto.Encrypt(t.sealBuf, t.shared, &cryptoNonce, plain)
	if err != nil {
		return fatal("encrypt", err)
	}

	if err := noncemgr.Advance(&t.ourNonce); err != nil {
		return fatal("nonce advance", err)
	}

	datagramLen := uint16(len(sealed))
	if isFrame && datagramLen > t.biggestTried {
		t.biggestTried = datagramLen
	}

	if err := t.dgram.SendTo(sealed, t.peerAddr); err != nil {
		return fatal("dgram send", err)
	}
	return nil
}

// sendKeepalive emits an idle keepalive advertising the largest inbound
// datagram this side has successfully decrypted so far. The payload is
// built directly into keepBuf rather than through keepalive.BuildPlaintext,
// so the datapath performs no allocation even on this rarely-taken path.
func (t *Tunnel) sendKeepalive() error {
	keepalive.EncodeInto(t.keepBuf[:], t.biggestRcvd)
	return t.sealAndSend(t.keepBuf[:], false)
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
