package loop

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/tappet/tappet/internal/crypto"
	"github.com/tappet/tappet/internal/dgram"
	"github.com/tappet/tappet/internal/noncemgr"
	"github.com/tappet/tappet/internal/tapdev"
	"github.com/tappet/tappet/pkg/wire"
	"golang.org/x/crypto/curve25519"
)

// fakeDgram is an in-memory DatagramIO double: Recv yields a queued
// sequence of datagrams, Send records everything written.
type fakeDgram struct {
	recvQueue [][]byte
	recvFrom  *net.UDPAddr
	sent      [][]byte
	sentTo    []*net.UDPAddr
}

func (f *fakeDgram) Fd() int { return -1 }

func (f *fakeDgram) RecvFrom(buf []byte) (int, *net.UDPAddr, error) {
	if len(f.recvQueue) == 0 {
		return 0, nil, dgram.ErrWouldBlock
	}
	next := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	n := copy(buf, next)
	return n, f.recvFrom, nil
}

func (f *fakeDgram) SendTo(buf []byte, addr *net.UDPAddr) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.sent = append(f.sent, cp)
	f.sentTo = append(f.sentTo, addr)
	return nil
}

// fakeTap is an in-memory TapIO double.
type fakeTap struct {
	readQueue [][]byte
	written   [][]byte
}

func (f *fakeTap) Fd() int { return -1 }

func (f *fakeTap) Read(buf []byte) (int, error) {
	if len(f.readQueue) == 0 {
		return 0, tapdev.ErrWouldBlock
	}
	next := f.readQueue[0]
	f.readQueue = f.readQueue[1:]
	n := copy(buf, next)
	return n, nil
}

func (f *fakeTap) Write(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.written = append(f.written, cp)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genKeypair(seed byte) (pub, priv [32]byte) {
	for i := range priv {
		priv[i] = seed + byte(i)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, _ := curve25519.X25519(priv[:], curve25519.Basepoint)
	copy(pub[:], pubSlice)
	return pub, priv
}

func newTestPair(t *testing.T) (connector, listener *Tunnel, cDgram, lDgram *fakeDgram, cTap, lTap *fakeTap) {
	t.Helper()
	cPub, cPriv := genKeypair(1)
	lPub, lPriv := genKeypair(2)

	peerAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	cDgram, lDgram = &fakeDgram{}, &fakeDgram{}
	cTap, lTap = &fakeTap{}, &fakeTap{}

	var err error
	connector, err = New(Config{
		Role:        RoleConnector,
		OurPrivate:  cPriv,
		TheirPublic: lPub,
		NoncePrefix: 1,
		InitialPeer: peerAddr,
		Dgram:       cDgram,
		Tap:         cTap,
		Log:         discardLogger(),
	})
	if err != nil {
		t.Fatalf("New(connector) error = %v", err)
	}

	listener, err = New(Config{
		Role:        RoleListener,
		OurPrivate:  lPriv,
		TheirPublic: cPub,
		NoncePrefix: 1,
		Dgram:       lDgram,
		Tap:         lTap,
		Log:         discardLogger(),
	})
	if err != nil {
		t.Fatalf("New(listener) error = %v", err)
	}
	return connector, listener, cDgram, lDgram, cTap, lTap
}

func TestNew_RejectsMismatchedRoleAndPeer(t *testing.T) {
	priv := [32]byte{1}
	pub := [32]byte{2}

	if _, err := New(Config{Role: RoleConnector, OurPrivate: priv, TheirPublic: pub, NoncePrefix: 1}); err == nil {
		t.Error("New() accepted a connector with no initial peer")
	}
	if _, err := New(Config{
		Role: RoleListener, OurPrivate: priv, TheirPublic: pub, NoncePrefix: 1,
		InitialPeer: &net.UDPAddr{},
	}); err == nil {
		t.Error("New() accepted a listener with an initial peer")
	}
}

func TestNew_RejectsZeroNoncePrefix(t *testing.T) {
	priv := [32]byte{1}
	pub := [32]byte{2}
	if _, err := New(Config{
		Role: RoleConnector, OurPrivate: priv, TheirPublic: pub,
		InitialPeer: &net.UDPAddr{},
	}); err == nil {
		t.Error("New() accepted a zero nonce prefix")
	}
}

// TestHandshake_ListenerLearnsPeerFromFirstAuthenticatedDatagram simulates
// the connector sealing a keepalive and feeds the resulting wire datagram
// directly into the listener's handleDatagram, exactly as drainDatagrams
// would after a real Recvfrom.
func TestHandshake_ListenerLearnsPeerFromFirstAuthenticatedDatagram(t *testing.T) {
	connector, listener, _, _, _, _ := newTestPair(t)

	if err := connector.sendKeepalive(); err != nil {
		t.Fatalf("connector.sendKeepalive() error = %v", err)
	}
	wireDatagram := connector.dgram.(*fakeDgram).sent[0]

	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321}
	if err := listener.handleDatagram(wireDatagram, from); err != nil {
		t.Fatalf("listener.handleDatagram() error = %v", err)
	}

	if !listener.peerKnown {
		t.Fatal("listener did not learn its peer from the first authenticated datagram")
	}
	if !listener.peerAddr.IP.Equal(from.IP) || listener.peerAddr.Port != from.Port {
		t.Errorf("listener.peerAddr = %v, want %v", listener.peerAddr, from)
	}
}

func TestHandleDatagram_ReplayIsDropped(t *testing.T) {
	connector, listener, _, _, _, _ := newTestPair(t)

	if err := connector.sendKeepalive(); err != nil {
		t.Fatalf("sendKeepalive() error = %v", err)
	}
	d := connector.dgram.(*fakeDgram)
	first := append([]byte(nil), d.sent[0]...)

	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321}
	if err := listener.handleDatagram(first, from); err != nil {
		t.Fatalf("first handleDatagram() error = %v", err)
	}
	nonceAfterFirst := listener.theirNonce

	if err := listener.handleDatagram(first, from); err != nil {
		t.Fatalf("replayed handleDatagram() error = %v", err)
	}
	if listener.theirNonce != nonceAfterFirst {
		t.Error("their_nonce advanced on a replayed datagram")
	}
}

func TestHandleDatagram_TamperedCiphertextLeavesStateUnchanged(t *testing.T) {
	connector, listener, _, _, _, _ := newTestPair(t)

	if err := connector.sendKeepalive(); err != nil {
		t.Fatalf("sendKeepalive() error = %v", err)
	}
	d := connector.dgram.(*fakeDgram)
	tampered := append([]byte(nil), d.sent[0]...)
	tampered[len(tampered)-1] ^= 0xFF

	wantAddr := listener.peerAddr
	wantKnown := listener.peerKnown
	wantNonce := listener.theirNonce

	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321}
	if err := listener.handleDatagram(tampered, from); err != nil {
		t.Fatalf("handleDatagram() error = %v", err)
	}

	if listener.peerKnown != wantKnown || listener.peerAddr != wantAddr {
		t.Error("tampered datagram mutated peer state")
	}
	if listener.theirNonce != wantNonce {
		t.Error("tampered datagram advanced their_nonce")
	}
}

func TestHandleDatagram_UndersizedDropped(t *testing.T) {
	_, listener, _, _, _, _ := newTestPair(t)
	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 1}

	if err := listener.handleDatagram(make([]byte, wire.MinCiphertextSize-1), from); err != nil {
		t.Fatalf("handleDatagram() error = %v", err)
	}
	if listener.peerKnown {
		t.Error("undersized datagram caused the listener to learn a peer")
	}
}

func TestDrainTap_ForwardsFrameAndAdvancesNonce(t *testing.T) {
	connector, _, cDgram, _, cTap, _ := newTestPair(t)
	cTap.readQueue = [][]byte{bytes.Repeat([]byte{0xAB}, 80)}

	before := connector.ourNonce
	if err := connector.drainTap(); err != nil {
		t.Fatalf("drainTap() error = %v", err)
	}
	if len(cDgram.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1", len(cDgram.sent))
	}
	if connector.ourNonce == before {
		t.Error("drainTap did not advance our_nonce")
	}
}

func TestNonceOverflow_IsFatal(t *testing.T) {
	connector, _, _, _, cTap, _ := newTestPair(t)
	for i := 5; i < len(connector.ourNonce); i++ {
		connector.ourNonce[i] = 0xFF
	}
	cTap.readQueue = [][]byte{bytes.Repeat([]byte{0x01}, 80)}

	err := connector.drainTap()
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("drainTap() at exhausted nonce counter error = %v, want a *FatalError", err)
	}
}

func TestRoundTrip_FrameDeliveredToPeerTap(t *testing.T) {
	connector, listener, cDgram, _, cTap, lTap := newTestPair(t)
	frame := bytes.Repeat([]byte{0x42}, 200)
	cTap.readQueue = [][]byte{frame}

	if err := connector.drainTap(); err != nil {
		t.Fatalf("connector.drainTap() error = %v", err)
	}
	sent := cDgram.sent[0]

	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321}
	if err := listener.handleDatagram(sent, from); err != nil {
		t.Fatalf("listener.handleDatagram() error = %v", err)
	}

	if len(lTap.written) != 1 {
		t.Fatalf("len(lTap.written) = %d, want 1", len(lTap.written))
	}
	if !bytes.Equal(lTap.written[0], frame) {
		t.Error("frame delivered to listener's tap does not match what the connector sent")
	}
}

func TestPrecomputeRoundTripSanity(t *testing.T) {
	// Sanity-checks that the two test tunnels actually share a key, since
	// every other test in this file depends on it.
	cPub, cPriv := genKeypair(1)
	lPub, lPriv := genKeypair(2)
	a := crypto.Precompute(&lPub, &cPriv)
	b := crypto.Precompute(&cPub, &lPriv)
	if *a != *b {
		t.Fatal("test keypairs do not produce a shared secret; other tests in this file are unsound")
	}
	_ = noncemgr.SideConnector
}
