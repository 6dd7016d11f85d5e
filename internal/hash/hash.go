// Package hash provides the domain-separated hashing used throughout the
// Snowball session: session id chaining, round nonce derivation, the
// DiceMix commitment, and pairwise cloak streams. Every call site names
// its domain tag explicitly so that no two different protocol values can
// ever collide under the same hash input, the same discipline the
// teacher's pkg/hash.BytesWithDomain helper enforces.
package hash

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Hasher accumulates domain-tagged fields before producing a fixed-size
// digest. It mirrors the incremental WriteAny-style hasher used in
// pkg/protocol/handler.go, but is scoped to this module's own domains.
type Hasher struct {
	h *blake3.Hasher
}

// New starts a hasher seeded with a short human-readable domain tag, e.g.
// "sid", "kVal" or "CM" as used throughout the core specification.
func New(domain string) *Hasher {
	h := blake3.New()
	writeFrame(h, []byte(domain))
	return &Hasher{h: h}
}

func writeFrame(h *blake3.Hasher, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write(b)
}

// Write appends a length-framed field to the hash state. Framing each
// field prevents ambiguity between e.g. ("ab","c") and ("a","bc").
func (hh *Hasher) Write(b []byte) *Hasher {
	writeFrame(hh.h, b)
	return hh
}

// WriteUint64 appends a big-endian round counter or slot index.
func (hh *Hasher) WriteUint64(v uint64) *Hasher {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return hh.Write(b[:])
}

// Sum returns the 32-byte digest.
func (hh *Hasher) Sum() []byte {
	out := make([]byte, 32)
	_, _ = hh.h.Digest().Read(out)
	return out
}

// Sum256 is a one-shot convenience wrapper for a single domain-tagged
// field list, used for the many single-call hashes in the core spec
// (H("sid" ‖ ...), H("kVal" ‖ ...), H("CM" ‖ ...)).
func Sum256(domain string, fields ...[]byte) []byte {
	hh := New(domain)
	for _, f := range fields {
		hh.Write(f)
	}
	return hh.Sum()
}
