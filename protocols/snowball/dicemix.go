package snowball

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/internal/hash"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// matrix is the cloaked slot layout for one participant's broadcast. Its
// row count spans the whole commit-phase pool
// (len(sortedParticipants)*MaxUTXOs), not just this participant's own
// MAX_UTXOS outputs: every participant's real rows live in its own
// disjoint slot range and every other range is zero before cloaking.
// This is what makes the aggregate cell-wise XOR of every participant's
// matrix (§4.5 step 2) resolve to the bytewise concatenation of
// everyone's plaintext rows (§8 "Cloak cancellation") rather than a
// single undifferentiated sum: cloak streams cancel in pairs regardless
// of slot, while the real data at any slot comes from exactly one
// participant and zero from all others.
type matrix struct {
	rows [][]byte
}

func newMatrix(totalSlots, rowLen int) *matrix {
	rows := make([][]byte, totalSlots)
	for i := range rows {
		rows[i] = make([]byte, rowLen)
	}
	return &matrix{rows: rows}
}

// slotRange returns the [start, end) row range owned by participant at
// position idx in the sorted commit-phase list.
func slotRange(idx, maxUTXOs int) (int, int) {
	return idx * maxUTXOs, (idx + 1) * maxUTXOs
}

// cloakStream expands a pairwise cloak secret into a pseudo-random
// stream bound to one global row index, so that two honest participants
// deriving the same secret for the same pair always XOR in the same
// bytes at the same position (§4.3 step 4, §9 "symmetric pairwise
// cloaks" — for byte cloaks the sign bit is a no-op; the cancellation
// comes from both sides injecting the identical stream at the identical
// coordinate).
func cloakStream(secret []byte, sessionID SessionID, row int, length int) []byte {
	out := make([]byte, 0, length)
	var rowBuf [8]byte
	binary.BigEndian.PutUint64(rowBuf[:], uint64(row))
	counter := uint32(0)
	for len(out) < length {
		mac := hmac.New(sha256.New, secret)
		mac.Write(sessionID[:])
		mac.Write(rowBuf[:])
		mac.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
		out = append(out, mac.Sum(nil)...)
		counter++
	}
	return out[:length]
}

// xorInto XORs src into dst in place.
func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// cloakMatrix XORs, into every row of m, the pairwise stream owed to
// every other commit-phase participant. Called once by the owner before
// broadcasting, and later (with the single excluded peer's secret) to
// strip a dropped participant's contribution back out.
func cloakMatrix(m *matrix, secret []byte, sessionID SessionID) {
	for r := range m.rows {
		xorInto(m.rows[r], cloakStream(secret, sessionID, r, len(m.rows[r])))
	}
}

// cloakScalar derives the pairwise scalar cloak for gamma_adj or fee and
// returns it signed per the ordering rule in §9: participant p adds the
// cloak toward q when p<q and subtracts it when p>q, so that p's
// addition and q's subtraction of the identical value cancel under
// field arithmetic once every participant's contribution is summed.
func cloakScalar(secret []byte, sessionID SessionID, label string, self, other party.ID) *curve.Scalar {
	v := curve.ScalarFromBytes(hash.Sum256(label, secret, sessionID[:]))
	if self.Less(other) {
		return v
	}
	return v.Negate()
}

// buildOwnMatrix places self's proposed outputs (padded with zero rows
// up to maxUTXOs) into self's disjoint slot range within the full
// commit-phase matrix, leaving every other participant's range zero
// (§4.3 step 3). The caller still owes it a call to cloakMatrix per
// peer before broadcasting.
func buildOwnMatrix(p Params, commitPhase party.List, self party.ID, outputs []*txmodel.ProposedUTXO) (*matrix, error) {
	if len(outputs) > p.MaxUTXOs {
		return nil, fmt.Errorf("snowball: %d outputs exceeds the %d slot cap", len(outputs), p.MaxUTXOs)
	}
	idx := commitPhase.Index(self)
	if idx < 0 {
		return nil, fmt.Errorf("snowball: self not present in commit-phase list")
	}
	rowLen := p.RowLength()
	totalSlots := p.MaxUTXOs * len(commitPhase)
	m := newMatrix(totalSlots, rowLen)
	start, _ := slotRange(idx, p.MaxUTXOs)
	for i, out := range outputs {
		m.rows[start+i] = serializeRow(out, rowLen)
	}
	return m, nil
}

// aggregateDecloak XOR-sums every participant's (already de-excluded)
// matrix cell-wise, yielding the plaintext rows for the whole pool in
// one pass (§4.5 step 2).
func aggregateDecloak(matrices []*matrix, totalSlots, rowLen int) [][]byte {
	out := make([][]byte, totalSlots)
	for r := 0; r < totalSlots; r++ {
		out[r] = make([]byte, rowLen)
	}
	for _, m := range matrices {
		for r := 0; r < totalSlots; r++ {
			xorInto(out[r], m.rows[r])
		}
	}
	return out
}
