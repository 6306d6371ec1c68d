// Package noncemgr builds and advances the 24-byte nonces tappet uses for
// every encrypted datagram, and decides whether an inbound nonce is fresh
// enough to accept.
//
// Layout (24 bytes total):
//
//	byte 0:      side tag (connector or listener)
//	bytes 1-4:   persisted 32-bit prefix, read from the on-disk nonce file
//	bytes 5-23:  19-byte big-endian counter, starts at 1 and increments
//	             once per datagram sent
//
// The side tag keeps the two directions of a tunnel from ever sharing a
// nonce value even if both sides' prefixes and counters coincide. The
// prefix guards against nonce reuse after a process restart: it is
// incremented and fsync'd to disk before first use (see internal/keyfile),
// so if the process dies and restarts, the very first nonce it can ever
// produce is guaranteed higher than any nonce a previous run could have
// sent.
package noncemgr

import "errors"

// Size is the length in bytes of a tappet nonce.
const Size = 24

// SideTag distinguishes the nonce space used by each end of a tunnel.
type SideTag byte

const (
	// SideConnector tags nonces produced by the dialing side.
	SideConnector SideTag = 0x00
	// SideListener tags nonces produced by the binding side.
	SideListener SideTag = 0x01
)

// ErrCounterOverflow is returned by Advance when the 19-byte counter has
// reached its maximum value and cannot be incremented further. This is
// fatal: the tunnel must not reuse a nonce.
var ErrCounterOverflow = errors.New("noncemgr: counter exhausted, cannot advance without reuse")

// Nonce is the 24-byte value used directly as a NaCl box nonce.
type Nonce [Size]byte

// Initial builds the first nonce a side will use: side tag, the persisted
// prefix, and a counter of 1 (0 is never sent; it is reserved so that the
// zero Nonce can represent "no nonce observed yet" in Accept).
func Initial(side SideTag, prefix uint32) Nonce {
	var n Nonce
	n[0] = byte(side)
	n[1] = byte(prefix >> 24)
	n[2] = byte(prefix >> 16)
	n[3] = byte(prefix >> 8)
	n[4] = byte(prefix)
	n[23] = 1
	return n
}

// Advance increments the 19-byte counter (bytes 5-23) by one, treating it
// as a big-endian unsigned integer. It leaves the side tag and prefix
// bytes untouched. It returns ErrCounterOverflow if the counter was
// already at its maximum value.
func Advance(n *Nonce) error {
	for i := len(n) - 1; i >= 5; i-- {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}
	return ErrCounterOverflow
}

// Accept reports whether candidate is strictly greater than last under
// full 24-byte lexicographic (big-endian) comparison. A zero last (no
// nonce observed yet from this peer) accepts every candidate except the
// all-zero nonce, so any nonce built by Initial qualifies (its counter
// starts at 1). Accept does not look at the side tag; checking it against
// the expected peer side is left to the caller.
func Accept(last, candidate Nonce) bool {
	for i := range last {
		if candidate[i] != last[i] {
			return candidate[i] > last[i]
		}
	}
	return false
}

// PeerSide returns the side tag a peer on the other end of the tunnel is
// expected to use: the complement of our own side.
func PeerSide(ourSide SideTag) SideTag {
	if ourSide == SideConnector {
		return SideListener
	}
	return SideConnector
}
