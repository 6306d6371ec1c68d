// Package keepalive builds the plaintext body of tappet's idle
// keepalive/MTU-advertisement datagram. It is deliberately pure: nonce
// assignment, encryption and transmission are the tunnel loop's job
// (internal/loop), since the loop owns all mutable per-tunnel state.
package keepalive

import "github.com/tappet/tappet/pkg/wire"

// BuildPlaintext returns the full plaintext to encrypt for a keepalive
// datagram: the 32-byte zero prefix required by internal/crypto, followed
// by the 3-byte keepalive payload advertising size, the largest inbound
// datagram this side has successfully decrypted so far.
func BuildPlaintext(size uint16) []byte {
	plaintext := make([]byte, wire.ZeroPrefixSize+wire.KeepalivePayloadSize)
	EncodeInto(plaintext, size)
	return plaintext
}

// EncodeInto writes the full zero-prefixed keepalive plaintext into dst,
// which must be at least wire.ZeroPrefixSize+wire.KeepalivePayloadSize
// bytes long. It performs no allocation, for callers on the datapath that
// reuse a fixed buffer across calls.
func EncodeInto(dst []byte, size uint16) {
	clear(dst[:wire.ZeroPrefixSize])
	copy(dst[wire.ZeroPrefixSize:], wire.EncodeKeepalive(size))
}
