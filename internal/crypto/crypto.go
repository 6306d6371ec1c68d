// Package crypto is tappet's cryptographic façade: precomputed
// shared-secret authenticated encryption and decryption over fixed-size
// byte buffers.
//
// The scheme is NaCl box (Curve25519 + XSalsa20 + Poly1305) used in its
// precomputed-shared-key form, matching the tweetnacl crypto_box_afternm /
// crypto_box_open_afternm contract the rest of this system is modelled on:
// callers present a plaintext whose first 32 bytes are zero (the classic
// crypto_box ZEROBYTES convention) and receive back a ciphertext whose
// first 16 bytes are zero (BOXZEROBYTES); encrypt and decrypt outputs are
// always the same length as their inputs. golang.org/x/crypto/nacl/box
// implements the same primitive without exposing that padding convention,
// so this package wraps it to restore the fixed-length, allocation-free
// buffer contract the tunnel loop (internal/loop) depends on.
package crypto

import (
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the size in bytes of a Curve25519 key (private or public).
	KeySize = 32

	// zeroPrefixSize is the number of leading zero bytes a plaintext must
	// carry before encryption (tweetnacl's crypto_box_ZEROBYTES).
	zeroPrefixSize = 32

	// boxZeroPrefixSize is the number of leading zero bytes a ciphertext
	// carries after encryption (tweetnacl's crypto_box_BOXZEROBYTES).
	boxZeroPrefixSize = 16
)

var (
	zeroPrefix    [zeroPrefixSize]byte
	boxZeroPrefix [boxZeroPrefixSize]byte
)

// SharedKey is the 32-byte output of precomputing a Curve25519 ECDH
// exchange, used directly as the NaCl box shared key.
type SharedKey [KeySize]byte

// Nonce is the 24-byte value NaCl box requires per encryption. Its
// construction, advancement and freshness comparison are owned by package
// internal/noncemgr; this package only consumes it.
type Nonce [24]byte

// Precompute derives the shared secret for (ourSecret, theirPublic) once,
// at tunnel init. It never fails.
func Precompute(theirPublic, ourSecret *[KeySize]byte) *SharedKey {
	var shared SharedKey
	box.Precompute((*[32]byte)(&shared), theirPublic, ourSecret)
	return &shared
}

// Encrypt seals plaintext (whose first 32 bytes must be zero) under shared
// and nonce, appending the result to dst and returning the extended slice.
// The returned ciphertext has the same length as plaintext. dst should have
// spare capacity to avoid allocating on the hot path.
func Encrypt(dst []byte, shared *SharedKey, nonce *Nonce, plaintext []byte) ([]byte, error) {
	if len(plaintext) < zeroPrefixSize {
		return nil, fmt.Errorf("crypto: plaintext shorter than the %d-byte zero prefix", zeroPrefixSize)
	}
	for _, b := range plaintext[:zeroPrefixSize] {
		if b != 0 {
			return nil, fmt.Errorf("crypto: plaintext zero prefix is not zeroed")
		}
	}
	inner := plaintext[zeroPrefixSize:]

	dst = append(dst, boxZeroPrefix[:]...)
	dst = box.SealAfterPrecomputation(dst, inner, (*[24]byte)(nonce), (*[32]byte)(shared))
	return dst, nil
}

// Decrypt opens ciphertext under shared and nonce, appending the resulting
// plaintext (with its first 32 bytes forced to zero) to dst. The second
// return value is false on authentication failure — a recoverable,
// per-packet condition, never a program error.
func Decrypt(dst []byte, shared *SharedKey, nonce *Nonce, ciphertext []byte) ([]byte, bool) {
	if len(ciphertext) < boxZeroPrefixSize {
		return nil, false
	}
	for _, b := range ciphertext[:boxZeroPrefixSize] {
		if b != 0 {
			return nil, false
		}
	}
	boxed := ciphertext[boxZeroPrefixSize:]

	dst = append(dst, zeroPrefix[:]...)
	opened, ok := box.OpenAfterPrecomputation(dst, boxed, (*[24]byte)(nonce), (*[32]byte)(shared))
	if !ok {
		return nil, false
	}
	return opened, true
}
