// Package dvhash defines the 128-bit content hash used to address every
// blob and Merkle node in the engine.
package dvhash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Size is the length of a Hash in bytes.
const Size = 16

// Hash is an opaque 128-bit content hash. The engine never inspects its
// bits beyond taking prefixes for shard/bucket routing.
type Hash [Size]byte

// Zero is the hash of no content; it never addresses a stored object and is
// used as a sentinel for "no parent" / "no value".
var Zero Hash

// Sum computes the content hash of b.
func Sum(b []byte) Hash {
	u := xxh3.Hash128(b)
	var h Hash
	binary.LittleEndian.PutUint64(h[0:8], u.Hi)
	binary.LittleEndian.PutUint64(h[8:16], u.Lo)
	return h
}

// Combine hashes the concatenation of its arguments, in order. It is used
// to build combined_hash values from child hashes without materializing an
// intermediate byte slice for each level.
func Combine(parts ...[]byte) Hash {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return Sum(buf)
}

// String renders the hash as lowercase hex, matching the teacher's Hash
// short-string convention.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 10 hex characters, for log lines and CLI output.
func (h Hash) Short() string {
	s := h.String()
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns the raw 16 bytes of h.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Prefix returns the top nbits bits of the hash as an unsigned integer, used
// for VNode bucket routing (nbits = log2(bucketCount)) and object-store
// shard selection.
func (h Hash) Prefix(nbits uint) uint64 {
	if nbits == 0 {
		return 0
	}
	if nbits > 64 {
		nbits = 64
	}
	v := binary.BigEndian.Uint64(h[0:8])
	return v >> (64 - nbits)
}

// ParseHash decodes a hex string produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("dvhash: parse %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("dvhash: parse %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// StreamHasher incrementally hashes bytes written to it via io.Writer and
// produces the same Hash Sum would for the concatenation of those writes.
// It is used by PutFromPath to hash while streaming to disk, rather than
// buffering the whole file.
type StreamHasher struct {
	h *xxh3.Hasher
}

// NewStreamHasher returns a ready-to-use StreamHasher.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: xxh3.New()}
}

// Write implements io.Writer.
func (s *StreamHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the Hash of everything written so far.
func (s *StreamHasher) Sum() Hash {
	u := s.h.Sum128()
	var h Hash
	binary.LittleEndian.PutUint64(h[0:8], u.Hi)
	binary.LittleEndian.PutUint64(h[8:16], u.Lo)
	return h
}

// ShardPath returns the two-level shard components used for on-disk layout:
// shard1 is the first byte, shard2 is the remaining bytes, both hex-encoded.
func (h Hash) ShardPath() (shard1, shard2 string) {
	s := h.String()
	return s[0:2], s[2:]
}
