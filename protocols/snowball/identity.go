package snowball

import (
	"bytes"
	"encoding/binary"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/internal/hash"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
)

// SessionID is the 256-bit per-round domain separator (§3 "Session
// identity").
type SessionID [32]byte

func (s SessionID) Bytes() []byte { return s[:] }

// DeriveSessionID computes H("sid" ‖ prev ‖ round ‖ sorted_participants),
// which must change every round and agree byte-for-byte between any two
// honest participants that share the same inputs (§4.2 step 2, §8
// "Session id agreement").
func DeriveSessionID(prev SessionID, round uint64, participants party.List) SessionID {
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], round)
	sorted := participants.Sorted()
	digest := hash.Sum256("sid", prev[:], roundBuf[:], sorted.Bytes())
	var out SessionID
	copy(out[:], digest)
	return out
}

// DeriveRoundNonce computes the per-round Schnorr nonce k = H("kVal" ‖
// session_id ‖ long_term_signing_secret) and K = k·G.
//
// This MUST feed the session id so that the nonce never repeats across
// two distinct joint transactions; reusing k across two different
// messages leaks the long-term secret via elementary Schnorr algebra
// (the "Sony PS3" attack, §4.2 step 3, §9).
func DeriveRoundNonce(sessionID SessionID, signingSecret *curve.Scalar) (*curve.Scalar, *curve.Point) {
	digest := hash.Sum256("kVal", sessionID[:], signingSecret.Bytes())
	k := curve.ScalarFromBytes(digest)
	if k.IsZero() {
		k = curve.ScalarFromBytes(append(append([]byte{}, digest...), 0x01))
	}
	return k, k.ActOnBase()
}

// DeriveEphemeralKeypair derives this round's DiceMix keying pair from
// H(session_id ‖ long_term_signing_secret) (§4.2 step 4).
func DeriveEphemeralKeypair(sessionID SessionID, signingSecret *curve.Scalar) (*curve.Scalar, *curve.Point) {
	seed := hash.Sum256("ephemeral", sessionID[:], signingSecret.Bytes())
	return primitives.DeriveKeypair(seed)
}

// SelectLeader picks the participant whose id hash has the
// lexicographically smallest XOR distance to H(sorted participant ids),
// breaking ties by the lower participant id (§4.7). The result is purely
// informational and never gates correctness.
func SelectLeader(participants party.List) party.ID {
	sorted := participants.Sorted()
	target := hash.Sum256("leader", sorted.Bytes())

	best := sorted[0]
	bestDist := xorDistance(hash.Sum256("leaderid", best.Bytes()), target)
	for _, id := range sorted[1:] {
		dist := xorDistance(hash.Sum256("leaderid", id.Bytes()), target)
		switch bytes.Compare(dist, bestDist) {
		case -1:
			best, bestDist = id, dist
		case 0:
			if id.Less(best) {
				best, bestDist = id, dist
			}
		}
	}
	return best
}

func xorDistance(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
