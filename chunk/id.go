// Package chunk implements the fixed-size content splitter and BLAKE2b
// chunk identifiers described in spec §4.F. Grounded on knoxite's
// (github.com/knoxite/knoxite) choice of golang.org/x/crypto for content
// hashing and restic/chunker-style sequential splitting in the same
// deduplicating-backup domain; the teacher repo has no chunking concept of
// its own (SquashFS stores whole files per-block, not content-addressed).
package chunk

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// IDSize is the storage width of a chunk id: the first 32 bytes of the
// full 64-byte BLAKE2b-512 digest.
const IDSize = 32

// FullDigestSize is the width of the full digest kept for collision
// verification.
const FullDigestSize = 64

// ID is the 32-byte storage identifier for a chunk.
type ID [IDSize]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a 64-hex-character chunk id.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid chunk id %q: %w", s, err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("invalid chunk id %q: want %d bytes, got %d", s, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Digest computes the full BLAKE2b-512 digest of data and the storage id
// derived from its first 32 bytes.
func Digest(data []byte) (id ID, full [FullDigestSize]byte) {
	full = blake2b.Sum512(data)
	copy(id[:], full[:IDSize])
	return id, full
}
