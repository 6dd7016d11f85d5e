package snowball

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/internal/hash"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
)

func newTranscriptHasher() *hash.Hasher {
	return hash.New("tx")
}

// decloakedRow is one slot's plaintext output together with the
// commit-phase member whose slot range it came from, kept only for
// diagnostics (enterSignature's strict BlameOnUnparseableRow policy
// needs to know which participant an unparseable row belonged to).
type decloakedRow struct {
	owner party.ID
	utxo  *txmodel.ProposedUTXO
	row   []byte
	err   error
}

// stripExcludedCloaks removes one excluded participant's contribution
// from every row of m using the pairwise secret a survivor reveals for
// it in CloaksForDropped (§4.4). XOR is its own inverse, so stripping is
// exactly cloaking again with the same secret.
func stripExcludedCloaks(m *matrix, secret []byte, sessionID SessionID) {
	cloakMatrix(m, secret, sessionID)
}

// assembleMatrix reconstructs the plaintext slot layout for one round:
// every surviving commit-phase member's opened matrix has any excluded
// peers' cloaks stripped out using the secrets it revealed, then every
// stripped matrix is XORed together (§4.5 step 2).
func assembleMatrix(p Params, sessionID SessionID, commitPhase, excluded party.List, openings map[string]CloakedValsPayload) [][]byte {
	totalSlots := p.MaxUTXOs * len(commitPhase)
	var stripped []*matrix
	for _, payload := range openings {
		m := &matrix{rows: append([][]byte(nil), payload.Matrix...)}
		for _, ex := range excluded {
			secret, ok := payload.CloaksForDropped[idKey(ex)]
			if !ok {
				continue
			}
			stripExcludedCloaks(m, secret, sessionID)
		}
		stripped = append(stripped, m)
	}
	return aggregateDecloak(stripped, totalSlots, p.RowLength())
}

// decodeOutputs parses every slot of an assembled matrix into a proposed
// output, skipping slots that fail to decode: padding rows and (per the
// default policy) rows belonging to a participant who supplied garbage
// both decode to "not a valid row" and are dropped rather than aborting
// the whole round (§4.5 step 3, §9).
func decodeOutputs(p Params, sorted party.List, rows [][]byte) ([]*txmodel.ProposedUTXO, []decloakedRow) {
	var outputs []*txmodel.ProposedUTXO
	var diagnostics []decloakedRow
	for slot, row := range rows {
		owner := sorted[slot/p.MaxUTXOs]
		utxo, err := deserializeRow(row)
		diagnostics = append(diagnostics, decloakedRow{owner: owner, utxo: utxo, row: row, err: err})
		if err != nil {
			continue
		}
		outputs = append(outputs, utxo)
	}
	return outputs, diagnostics
}

// decloakScalarSum recombines a signed scalar cloaked per-pair by every
// committing participant back into the honest aggregate, by summing
// each participant's own contribution (already signed relative to every
// peer) with the raw cloaked value it published.
func decloakScalarSum(cloakedValues map[string]*curve.Scalar) *curve.Scalar {
	sum := curve.NewScalar()
	for _, v := range cloakedValues {
		sum = sum.Add(v)
	}
	return sum
}

// verifyOutputs checks every output's range proof concurrently using an
// errgroup, matching the teacher's fan-out-then-wait style for
// independent per-item verification (grounded on the parallel ownership
// check used for pool membership, §4.1 step 3). The first failure is
// returned as an error naming the output's index; it does not identify
// which participant proposed that output.
func verifyOutputs(ctx context.Context, prover primitives.RangeProver, outputs []*txmodel.ProposedUTXO) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, out := range outputs {
		out := out
		idx := i
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			commitment := primitives.Commit(out.Gamma, out.Amount)
			proof, err := prover.Prove(out.Gamma, out.Amount)
			if err != nil {
				return fmt.Errorf("snowball: output %d: %w", idx, err)
			}
			if !prover.Verify(proof, commitment) {
				return fmt.Errorf("snowball: output %d: range proof rejected", idx)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildTranscript produces the message every participant signs: the
// hash of the sorted input hashes, the output commitments in the order
// given (slot order, the same for every participant), and the aggregate
// fee, so the signature binds the whole joint transaction
// (§4.5 step 5).
func buildTranscript(inputs []txmodel.TxIn, outputs []*txmodel.ProposedUTXO, fee int64) []byte {
	sortedInputs := append([]txmodel.TxIn(nil), inputs...)
	sort.Slice(sortedInputs, func(i, j int) bool {
		return lessHash(sortedInputs[i].Hash, sortedInputs[j].Hash)
	})
	hh := newTranscriptHasher()
	for _, in := range sortedInputs {
		hh.Write(in.Hash[:])
	}
	for _, out := range outputs {
		hh.Write(primitives.Commit(out.Gamma, out.Amount).Bytes())
	}
	var feeBuf [8]byte
	putInt64(feeBuf[:], fee)
	hh.Write(feeBuf[:])
	return hh.Sum()
}

func lessHash(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func encodeFee(fee int64) []byte {
	var buf [8]byte
	putInt64(buf[:], fee)
	return buf[:]
}

// feeSumFromScalar recovers the aggregate fee's plain int64 value from
// the decloaked scalar sum. Fees are small, non-negative and summed
// well below the curve order, so truncating the scalar's low 8 bytes
// recovers the value exactly.
func feeSumFromScalar(s *curve.Scalar) int64 {
	b := s.Bytes()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[len(b)-8+i])
	}
	return int64(v)
}

func putInt64(dst []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		dst[7-i] = byte(u >> (8 * i))
	}
}
