// Package keyfile reads the on-disk material tappet needs at startup: hex
// key files (grounded on the reference implementation's read_hexkey/
// read_keypair/read_pubkey) and the persisted 32-bit nonce prefix file.
package keyfile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
)

const hexKeySize = 32

// readHexLine reads exactly one 64-hex-character, newline-terminated key
// line from data starting at offset, matching read_hexkey's strict
// fgets-then-validate behavior: no surrounding whitespace, no separators,
// case-insensitive hex, exact length.
func readHexLine(data []byte, offset int) (key [hexKeySize]byte, next int, err error) {
	lineLen := hexKeySize*2 + 1 // 64 hex chars + '\n'
	if offset+lineLen > len(data) {
		return key, 0, fmt.Errorf("keyfile: truncated key line at offset %d", offset)
	}
	line := data[offset : offset+lineLen]
	if line[hexKeySize*2] != '\n' {
		return key, 0, fmt.Errorf("keyfile: key line at offset %d is not newline-terminated at byte 64", offset)
	}

	decoded, err := hex.DecodeString(string(line[:hexKeySize*2]))
	if err != nil {
		return key, 0, fmt.Errorf("keyfile: key line at offset %d is not valid hex: %w", offset, err)
	}
	copy(key[:], decoded)
	return key, offset + lineLen, nil
}

// ReadKeypair reads a two-line hex keypair file: the secret key on the
// first line, the public key on the second.
func ReadKeypair(path string) (secret, public [hexKeySize]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return secret, public, fmt.Errorf("keyfile: open keypair file %s: %w", path, err)
	}

	secret, next, err := readHexLine(data, 0)
	if err != nil {
		return secret, public, fmt.Errorf("keyfile: reading private key from %s: %w", path, err)
	}
	public, _, err = readHexLine(data, next)
	if err != nil {
		return secret, public, fmt.Errorf("keyfile: reading public key from %s: %w", path, err)
	}
	return secret, public, nil
}

// ReadPublicKey reads a one-line hex public-key file.
func ReadPublicKey(path string) (public [hexKeySize]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return public, fmt.Errorf("keyfile: open public key file %s: %w", path, err)
	}
	public, _, err = readHexLine(data, 0)
	if err != nil {
		return public, fmt.Errorf("keyfile: reading public key from %s: %w", path, err)
	}
	return public, nil
}

// ReadIncrementPersist implements the nonce-prefix file's
// read-increment-fsync-before-use discipline: it reads the existing
// 4-byte big-endian value (treating a missing or short file as 0), fails
// if the value is already at its maximum (it cannot be incremented
// without risking reuse), writes the incremented value back, and fsyncs
// before returning it as the prefix this run must use. The returned
// value is guaranteed to be nonzero, so it is always distinguishable from
// "never initialized".
func ReadIncrementPersist(path string) (uint32, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return 0, fmt.Errorf("keyfile: open nonce prefix file %s: %w", path, err)
	}
	defer f.Close()

	var current uint32
	var buf [4]byte
	n, err := f.ReadAt(buf[:], 0)
	switch {
	case n == 4:
		current = binary.BigEndian.Uint32(buf[:])
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		// No prefix persisted yet; treat as the reserved "uninitialized" value.
	case err != nil:
		return 0, fmt.Errorf("keyfile: reading nonce prefix file %s: %w", path, err)
	}

	if current == math.MaxUint32 {
		return 0, fmt.Errorf("keyfile: nonce prefix file %s is exhausted, cannot increment without reuse", path)
	}
	next := current + 1

	binary.BigEndian.PutUint32(buf[:], next)
	if _, err := f.WriteAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("keyfile: writing nonce prefix file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("keyfile: syncing nonce prefix file %s: %w", path, err)
	}

	return next, nil
}
