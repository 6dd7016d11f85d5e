package snowball

import (
	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// reconstructCloakSecrets recomputes the pairwise cloak secret owner had
// with every other member of members, given owner's revealed ephemeral
// secret and each peer's ephemeral public key from SharedKeying. This
// mirrors computeCloakSecret exactly; blame discovery only works because
// both sides of a pair always land on the same ECDH point.
func reconstructCloakSecrets(owner party.ID, ownerSecret *curve.Scalar, peerKeys map[string]*curve.Point) map[string][]byte {
	out := make(map[string][]byte, len(peerKeys))
	for key, peerPub := range peerKeys {
		if key == idKey(owner) {
			continue
		}
		out[key] = computeCloakSecret(ownerSecret, peerPub)
	}
	return out
}

// computeCloakSecret derives the shared pairwise cloak secret for one
// ordered pair via ECDH over the round's ephemeral keys (§4.3 step 4).
// Both participants in a pair compute the same secret regardless of
// which one calls it with which role, since ECDH is symmetric in the
// two scalars.
func computeCloakSecret(selfSecret *curve.Scalar, peerPublic *curve.Point) []byte {
	shared := selfSecret.Act(peerPublic)
	return shared.Bytes()
}

// rowIsZero reports whether a row is entirely zero bytes, the shape
// every slot outside a participant's own range must have before
// cloaking (§3 "padded with zero-filled, cloaked rows").
func rowIsZero(row []byte) bool {
	for _, b := range row {
		if b != 0 {
			return false
		}
	}
	return true
}

// stripScalarCloak recovers a member's own plaintext gamma_adj or fee
// scalar from its published cloaked value, by subtracting the same
// signed per-peer contribution cloakOwnScalars would have added toward
// every other commit-phase member (§4.3 step 6). This is cloakScalar's
// addition undone one peer at a time, mirroring stripAndCheck doing the
// same for matrix rows via XOR.
func stripScalarCloak(sessionID SessionID, cloaked *curve.Scalar, label string, self party.ID, peers party.List, peerSecrets map[string][]byte) *curve.Scalar {
	v := cloaked
	for _, peer := range peers {
		if peer.Equal(self) {
			continue
		}
		secret, ok := peerSecrets[idKey(peer)]
		if !ok {
			continue
		}
		v = v.Sub(cloakScalar(secret, sessionID, label, self, peer))
	}
	return v
}

// stripAndCheck undoes every pairwise cloak a member applied (using the
// secrets reconstructed from its revealed ephemeral secret) and verifies
// the matrix shape: zero everywhere outside the member's own slot range,
// and rows that deserialize cleanly inside it (§4.6 step 2). It also
// returns the member's own decoded outputs, needed by the balance and
// range-proof checks that follow. When blameOnUnparseableRow is set, a
// garbage row inside the member's own range fails the shape check
// immediately; otherwise it is dropped silently and left for the later
// checks to catch if it mattered (§9 open question).
func stripAndCheck(sessionID SessionID, payload CloakedValsPayload, secrets map[string][]byte, ownRange [2]int, blameOnUnparseableRow bool) ([]*txmodel.ProposedUTXO, bool) {
	m := &matrix{rows: append([][]byte(nil), payload.Matrix...)}
	for _, secret := range secrets {
		cloakMatrix(m, secret, sessionID)
	}
	var outputs []*txmodel.ProposedUTXO
	for i, row := range m.rows {
		inOwnRange := i >= ownRange[0] && i < ownRange[1]
		if !inOwnRange {
			if !rowIsZero(row) {
				return nil, false
			}
			continue
		}
		if rowIsZero(row) {
			continue
		}
		utxo, err := deserializeRow(row)
		if err != nil {
			if blameOnUnparseableRow {
				return nil, false
			}
			continue
		}
		outputs = append(outputs, utxo)
	}
	return outputs, true
}

// checkZeroBalance verifies the §4.6 step 3(a) Pedersen balance identity
// for one member's own claimed inputs and reconstructed outputs: the sum
// of its input commitments must cancel against the sum of its output
// commitments plus its own stripped blinding/fee correction, relying
// only on the binding property of the commitment scheme rather than on
// any secret the verifier does not already have.
func checkZeroBalance(inputs []txmodel.TxIn, outputs []*txmodel.ProposedUTXO, gammaAdj *curve.Scalar, fee int64) bool {
	sum := curve.NewPoint()
	for _, in := range inputs {
		sum = sum.Add(in.Body.Commitment)
	}
	for _, out := range outputs {
		sum = sum.Sub(primitives.Commit(out.Gamma, out.Amount))
	}
	sum = sum.Sub(primitives.Commit(gammaAdj, fee))
	return sum.IsIdentity()
}

// checkRangeProofs re-derives and verifies a fresh range proof for every
// one of a member's own reconstructed outputs (§4.6 step 3(b)). Unlike
// checkZeroBalance, this is the only check able to catch an
// out-of-range (e.g. negative) amount that would otherwise cancel
// perfectly in commitment arithmetic.
func checkRangeProofs(prover primitives.RangeProver, outputs []*txmodel.ProposedUTXO) bool {
	for _, out := range outputs {
		commitment := primitives.Commit(out.Gamma, out.Amount)
		proof, err := prover.Prove(out.Gamma, out.Amount)
		if err != nil {
			return false
		}
		if !prover.Verify(proof, commitment) {
			return false
		}
	}
	return true
}

// checkPartialSignature verifies §4.6 step 3(c): that a member's own
// revealed partial signature component satisfies the composite Schnorr
// equation u*G == K + c*P under its own long-term network key and the
// single shared challenge every honest partial in this round was
// computed against.
func checkPartialSignature(partial *curve.Scalar, nonce *curve.Point, challenge *curve.Scalar, networkKey []byte) bool {
	pub, err := curve.PointFromBytes(networkKey)
	if err != nil {
		return false
	}
	lhs := partial.ActOnBase()
	rhs := nonce.Add(challenge.Act(pub))
	return lhs.Equal(rhs)
}

// blameContext bundles every piece of round state runBlameDiscovery
// needs to re-derive and check one candidate's own contribution (§4.6
// step 3). It is built once by finishBlame from the session's live
// round state.
type blameContext struct {
	sessionID             SessionID
	commitPhase           party.List
	maxUTXOs              int
	blameOnUnparseableRow bool
	revealed              map[string]*curve.Scalar // member key -> revealed ephemeral secret
	ephemeralPublics      map[string]*curve.Point   // member key -> published ephemeral public
	openings              map[string]CloakedValsPayload
	memberInputs          map[string][]txmodel.TxIn
	partials              map[string]*curve.Scalar
	nonceCommitments      map[string]*curve.Point
	prover                primitives.RangeProver
	inputs                []txmodel.TxIn
	outputs               []*txmodel.ProposedUTXO
	aggFee                int64
}

// runBlameDiscovery reconstructs every committed member's pairwise
// cloaks from their revealed SecretKeying secrets, strips them out of
// each member's own published matrix and scalars, and returns the set of
// members whose remaining contribution fails any of the structural
// shape check or the three checks named by §4.6 step 3: the zero-balance
// Pedersen identity, the range proof over the reconstructed output, and
// the partial-signature equation under the member's own public key.
func runBlameDiscovery(bc blameContext) party.List {
	sorted := bc.commitPhase.Sorted()

	transcript := buildTranscript(bc.inputs, bc.outputs, bc.aggFee)
	aggNonce := curve.NewPoint()
	for _, id := range bc.commitPhase {
		if k, ok := bc.nonceCommitments[idKey(id)]; ok {
			aggNonce = aggNonce.Add(k)
		}
	}
	challenge := primitives.Challenge(transcript, aggNonce)

	var culprits party.List
	for idx, member := range sorted {
		key := idKey(member)

		secret, ok := bc.revealed[key]
		if !ok || !secret.ActOnBase().Equal(bc.ephemeralPublics[key]) {
			culprits = append(culprits, member)
			continue
		}
		payload, ok := bc.openings[key]
		if !ok {
			culprits = append(culprits, member)
			continue
		}

		peerSecrets := reconstructCloakSecrets(member, secret, bc.ephemeralPublics)
		start, end := slotRange(idx, bc.maxUTXOs)
		outputs, shapeOK := stripAndCheck(bc.sessionID, payload, peerSecrets, [2]int{start, end}, bc.blameOnUnparseableRow)
		if !shapeOK {
			culprits = append(culprits, member)
			continue
		}

		gammaAdj := stripScalarCloak(bc.sessionID, curve.ScalarFromBytes(payload.CloakedGammaAdj), "gamma_adj", member, bc.commitPhase, peerSecrets)
		feeScalar := stripScalarCloak(bc.sessionID, curve.ScalarFromBytes(payload.CloakedFee), "fee", member, bc.commitPhase, peerSecrets)
		if !checkZeroBalance(bc.memberInputs[key], outputs, gammaAdj, feeSumFromScalar(feeScalar)) {
			culprits = append(culprits, member)
			continue
		}
		if !checkRangeProofs(bc.prover, outputs) {
			culprits = append(culprits, member)
			continue
		}

		partial, hasPartial := bc.partials[key]
		nonce, hasNonce := bc.nonceCommitments[key]
		if !hasPartial || !hasNonce || !checkPartialSignature(partial, nonce, challenge, member.NetworkKey) {
			culprits = append(culprits, member)
			continue
		}
	}
	return culprits
}
