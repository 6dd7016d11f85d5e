package snowball

import (
	"github.com/luxfi/snowball/internal/hash"
	"github.com/luxfi/snowball/pkg/party"
)

// computeCommitment hashes a participant's cloaked matrix and cloaked
// scalars into the single digest published during Commitment (§4.3 step
// 7): H("CM" ‖ matrix ‖ cloaked_gamma_adj ‖ cloaked_fee). Publishing only
// this hash and revealing the matrix itself one phase later is what
// stops a late-acting participant from choosing its own contribution
// after seeing everyone else's (§4.4 "Commit/open").
func computeCommitment(m *matrix, cloakedGammaAdj, cloakedFee []byte) []byte {
	hh := hash.New("CM")
	for _, row := range m.rows {
		hh.Write(row)
	}
	hh.Write(cloakedGammaAdj)
	hh.Write(cloakedFee)
	return hh.Sum()
}

// commitBook tracks the commitments and openings collected for one
// round (§4.4). The set of excluded members is not kept here; the caller
// passes it to addOpening.
type commitBook struct {
	commitments map[string][]byte
	opened      map[string]CloakedValsPayload
}

func newCommitBook() *commitBook {
	return &commitBook{
		commitments: make(map[string][]byte),
		opened:      make(map[string]CloakedValsPayload),
	}
}

func (b *commitBook) addCommitment(key string, cmt []byte) {
	b.commitments[key] = cmt
}

// addOpening checks an inbound CloakedVals reveal against the hash this
// sender committed to earlier and against the §4.4 step 3 coverage rule
// for CloaksForDropped, recording the opening only if both hold.
func (b *commitBook) addOpening(key string, payload CloakedValsPayload, excluded party.List) bool {
	m := &matrix{rows: payload.Matrix}
	got := computeCommitment(m, payload.CloakedGammaAdj, payload.CloakedFee)
	want, ok := b.commitments[key]
	if !ok {
		return false
	}
	if !bytesEqual(got, want) {
		return false
	}
	if !coversExactly(payload.CloaksForDropped, excluded) {
		return false
	}
	b.opened[key] = payload
	return true
}

// coversExactly reports whether cloaks reveals exactly one secret per
// excluded participant: no missing reveal (a sender must explain away
// every peer it excluded) and no extra/bogus entries (§4.4 step 3
// "covers exactly the set of participants this node excluded, both
// inclusion and no-extras").
func coversExactly(cloaks map[string][]byte, excluded party.List) bool {
	if len(cloaks) != len(excluded) {
		return false
	}
	for _, ex := range excluded {
		if _, ok := cloaks[idKey(ex)]; !ok {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
