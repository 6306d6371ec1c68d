// Package wire defines tappet's on-the-wire datagram layout and the
// classification of the plaintext payload carried inside it.
//
// Wire datagram:
//
//	nonce(24) || ciphertext
//
// ciphertext is the output of authenticated encryption (see package
// internal/crypto) over a plaintext whose first 32 bytes are zero. Once
// decrypted and the zero prefix is stripped, the remaining payload is either
// a 3-byte keepalive/MTU advertisement or an Ethernet frame; anything else is
// unknown control traffic and is dropped.
package wire

// Role distinguishes the two ends of a tunnel. It is immutable for the
// lifetime of a process.
type Role int

const (
	// RoleConnector dials a known peer and sends the first datagram.
	RoleConnector Role = iota
	// RoleListener binds a local address and learns its peer from the
	// first successfully authenticated datagram it receives.
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "connector"
}

const (
	// NonceSize is the length in bytes of the wire nonce.
	NonceSize = 24

	// ZeroPrefixSize is the number of leading zero bytes the AEAD scheme
	// requires on the plaintext side (see internal/crypto).
	ZeroPrefixSize = 32

	// MinAuthTagSize is the minimum size of the scheme's authenticator;
	// any inbound datagram shorter than NonceSize+MinAuthTagSize cannot
	// possibly be a valid ciphertext and is dropped without attempting
	// decryption.
	MinAuthTagSize = 16

	// MinCiphertextSize is the floor below which an inbound datagram is
	// dropped as undersized.
	MinCiphertextSize = NonceSize + MinAuthTagSize

	// MaxDatagramSize bounds the plaintext/ciphertext buffers used on the
	// datapath so that no allocation is needed after startup.
	MaxDatagramSize = 2048

	// MaxWireSize bounds the full nonce||ciphertext datagram buffer.
	MaxWireSize = NonceSize + MaxDatagramSize

	// KeepaliveOpcode is the reserved first byte of a keepalive/MTU
	// advertisement payload.
	KeepaliveOpcode = 0xFE

	// KeepalivePayloadSize is the exact length of a keepalive payload:
	// opcode(1) + size(2).
	KeepalivePayloadSize = 3

	// FrameThreshold is the length, post zero-prefix, at which a payload
	// is treated as an Ethernet frame rather than control traffic. This
	// is a deliberate choice, not a value derived from the Ethernet
	// minimum frame size.
	FrameThreshold = 64
)

// PayloadKind classifies a decrypted, zero-prefix-stripped plaintext payload.
type PayloadKind int

const (
	// PayloadControlUnknown is reserved/unrecognised control traffic and
	// must be dropped silently.
	PayloadControlUnknown PayloadKind = iota
	// PayloadKeepalive is a 3-byte {0xFE, hi, lo} MTU advertisement.
	PayloadKeepalive
	// PayloadFrame is an Ethernet frame to be written to the tap device.
	PayloadFrame
)

// Classify determines the kind of a payload already stripped of its
// 32-byte zero prefix.
func Classify(payload []byte) PayloadKind {
	switch {
	case len(payload) == KeepalivePayloadSize && payload[0] == KeepaliveOpcode:
		return PayloadKeepalive
	case len(payload) >= FrameThreshold:
		return PayloadFrame
	default:
		return PayloadControlUnknown
	}
}

// EncodeKeepalive builds the 3-byte keepalive/MTU-advertisement payload
// carrying size (the largest inbound datagram successfully decrypted).
func EncodeKeepalive(size uint16) []byte {
	return []byte{KeepaliveOpcode, byte(size >> 8), byte(size)}
}

// DecodeKeepaliveSize extracts the advertised size from a payload already
// confirmed (via Classify) to be a keepalive.
func DecodeKeepaliveSize(payload []byte) uint16 {
	return uint16(payload[1])<<8 | uint16(payload[2])
}
