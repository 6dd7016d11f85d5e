// Package party defines participant identity and the total ordering the
// Snowball session relies on for session id derivation and matrix slot
// assignment. Laid out the way the teacher's pkg/party names party.ID and
// party.IDSlice, adapted to Snowball's two-part identity.
package party

import (
	"bytes"
	"encoding/hex"
	"sort"
)

// ID identifies one participant in a mixing session: a network public
// key (the long-term identity peers authenticate unicast messages
// against) paired with a per-session random seed, so that two sessions
// with identical pool composition never collide.
type ID struct {
	NetworkKey []byte
	Seed       []byte
}

// String renders a short hex label, useful for logs and test failure
// messages; it is not used for equality or ordering.
func (id ID) String() string {
	return hex.EncodeToString(id.NetworkKey) + "/" + hex.EncodeToString(id.Seed)
}

// Equal reports whether two IDs refer to the same participant instance.
func (id ID) Equal(o ID) bool {
	return bytes.Equal(id.NetworkKey, o.NetworkKey) && bytes.Equal(id.Seed, o.Seed)
}

// Less implements the total order from the core spec: lexicographic by
// network key, then by seed. Every place the spec sorts participants
// (session id derivation, matrix slot assignment, leader tie-break)
// must use this ordering and no other.
func (id ID) Less(o ID) bool {
	if c := bytes.Compare(id.NetworkKey, o.NetworkKey); c != 0 {
		return c < 0
	}
	return bytes.Compare(id.Seed, o.Seed) < 0
}

// Bytes returns a canonical encoding of the identity, used when hashing
// participant lists into a session id.
func (id ID) Bytes() []byte {
	out := make([]byte, 0, len(id.NetworkKey)+len(id.Seed)+8)
	out = appendLenPrefixed(out, id.NetworkKey)
	out = appendLenPrefixed(out, id.Seed)
	return out
}

func appendLenPrefixed(dst, src []byte) []byte {
	var lenBuf [4]byte
	n := uint32(len(src))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	dst = append(dst, lenBuf[:]...)
	return append(dst, src...)
}

// List is a participant set with the sort/dedupe helpers every component
// of the core spec depends on ("Participant lists are always sorted and
// deduplicated before being hashed into the session id or used as matrix
// column indices").
type List []ID

// Sorted returns a new, sorted, deduplicated copy of the list.
func (l List) Sorted() List {
	cp := make(List, len(l))
	copy(cp, l)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Less(cp[j]) })
	out := cp[:0]
	for i, id := range cp {
		if i > 0 && id.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Contains reports whether id is a member of the list.
func (l List) Contains(id ID) bool {
	for _, other := range l {
		if other.Equal(id) {
			return true
		}
	}
	return false
}

// Index returns the position of id within a sorted list, or -1.
func (l List) Index(id ID) int {
	for i, other := range l {
		if other.Equal(id) {
			return i
		}
	}
	return -1
}

// Without returns a copy of the list with the given ids removed.
func (l List) Without(excluded ...ID) List {
	out := make(List, 0, len(l))
	for _, id := range l {
		skip := false
		for _, e := range excluded {
			if id.Equal(e) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, id)
		}
	}
	return out
}

// Bytes concatenates every member's canonical encoding, in the list's
// current order. Callers must call Sorted first when the result feeds
// into a session id, per the spec's ordering invariant.
func (l List) Bytes() []byte {
	var out []byte
	for _, id := range l {
		out = append(out, id.Bytes()...)
	}
	return out
}
