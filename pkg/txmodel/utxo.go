// Package txmodel holds the minimal UTXO and super-transaction shapes the
// Snowball session passes between its components. The blockchain data
// model proper (escrow, consensus, node storage) is out of scope per the
// core specification; these types are only the payload the opaque
// cryptographic primitives operate on, restored from the original
// PaymentOutput shape (recipient, cloaking hint, range proof, encrypted
// amount/blinding payload) that the distilled spec's ProposedUTXO
// compresses into a handful of fields.
package txmodel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/primitives"
)

// MaxPayloadLen bounds the optional data field carried inside an
// encrypted UTXO payload, mirroring PAYMENT_DATA_LEN in the original
// Rust output model.
const MaxPayloadLen = 256

// TxIn is a claimed input: the hash identifying a UTXO this participant
// owns, and the UTXO body itself so peers can verify the ownership
// signature and fold its commitment into the joint transaction balance.
type TxIn struct {
	Hash [32]byte
	Body UTXOBody
}

// UTXOBody is the on-chain shape of one payment output: a cloaked
// recipient key, a Pedersen commitment to its amount, a range proof over
// that commitment, and the encrypted (amount, gamma, delta, data)
// payload only the recipient can open.
type UTXOBody struct {
	Recipient    *curve.Point
	CloakingHint *curve.Point
	Commitment   *curve.Point
	Proof        primitives.RangeProof
	Payload      *primitives.EncryptedPayload
	UnlockTime   int64 // zero means unlocked
}

// ProposedUTXO is one output a participant wants to add to the joint
// transaction, before it has been padded into a session's fixed MAX_UTXOS
// slots. Amount, Gamma and Delta are known only to the proposer until the
// super-transaction reveals them as part of the mixed output set. Delta
// is the key-cloaking scalar folded into the on-chain recipient key
// (Build), which is what lets the eventual owner later claim this output
// as an input without anyone else learning which past output is theirs
// (§3 "Input claim").
type ProposedUTXO struct {
	Recipient  *curve.Point
	Amount     int64
	Gamma      *curve.Scalar
	Delta      *curve.Scalar
	Data       []byte
	UnlockTime int64
}

// Build turns a proposed output into its on-chain body: a cloaked
// recipient key, a fresh commitment, range proof, and an encrypted
// payload only the recipient can decrypt.
//
// The on-chain recipient is ownerPubkey + gamma*delta*G rather than the
// bare owner key, so that claiming this output later as an input (via
// ClaimSecret/ClaimPublicKey) requires knowing both gamma and delta —
// only the recipient who decrypted this payload does.
func (p *ProposedUTXO) Build(prover primitives.RangeProver) (UTXOBody, error) {
	commitment := primitives.Commit(p.Gamma, p.Amount)
	proof, err := prover.Prove(p.Gamma, p.Amount)
	if err != nil {
		return UTXOBody{}, err
	}
	plain := encodePayload(p)
	payload, err := primitives.Seal(p.Recipient, plain)
	if err != nil {
		return UTXOBody{}, err
	}
	cloakedRecipient := p.Recipient.Add(p.Gamma.Mul(p.Delta).ActOnBase())
	return UTXOBody{
		Recipient:    cloakedRecipient,
		CloakingHint: p.Delta.ActOnBase(),
		Commitment:   commitment,
		Proof:        proof,
		Payload:      payload,
		UnlockTime:   p.UnlockTime,
	}, nil
}

func encodePayload(p *ProposedUTXO) []byte {
	out := make([]byte, 0, 8+2*curve.ScalarSize+MaxPayloadLen)
	var amt [8]byte
	v := uint64(p.Amount)
	for i := 0; i < 8; i++ {
		amt[7-i] = byte(v >> (8 * i))
	}
	out = append(out, amt[:]...)
	out = append(out, p.Gamma.Bytes()...)
	out = append(out, p.Delta.Bytes()...)
	data := p.Data
	if len(data) > MaxPayloadLen {
		data = data[:MaxPayloadLen]
	}
	out = append(out, data...)
	return out
}

// ClaimedInput is the blinding material an owner needs to claim one
// input it is spending: the gamma and delta the output was originally
// built with, known only to whoever decrypted that output's payload.
type ClaimedInput struct {
	Gamma *curve.Scalar
	Delta *curve.Scalar
}

// ClaimSecret derives the signing secret for the §3 "Input claim"
// ownership proof: the sum, over every claimed input, of the owner's
// long-term secret plus that input's gamma*delta correction. Each
// input's on-chain recipient was built as ownerPubkey + gamma*delta*G
// (see Build), so summing this secret's ActOnBase over every claimed
// input reproduces exactly ClaimPublicKey computed from the inputs
// alone — letting any verifier check the proof without ever learning
// gamma or delta.
func ClaimSecret(ownerSecret *curve.Scalar, claimed []ClaimedInput) *curve.Scalar {
	sum := curve.NewScalar()
	for _, c := range claimed {
		sum = sum.Add(ownerSecret).Add(c.Gamma.Mul(c.Delta))
	}
	return sum
}

// ClaimPublicKey computes the verification key for an input-claim
// ownership proof purely from public data: the sum of every claimed
// input's on-chain recipient point. No secret material is needed to
// compute this — only the claiming owner needs gamma/delta to produce a
// signature that validates against it.
func ClaimPublicKey(ins []TxIn) *curve.Point {
	sum := curve.NewPoint()
	for _, in := range ins {
		sum = sum.Add(in.Body.Recipient)
	}
	return sum
}

// utxoBodyWire is the transport shape of UTXOBody carried inside
// PoolJoin.UTXOBodies: the opaque RangeProof is omitted since the
// facilitator only relays it and final range-proof verification runs
// against the plaintext outputs recovered after CloakedVals, not against
// join-time bodies.
type utxoBodyWire struct {
	Recipient    []byte
	CloakingHint []byte
	Commitment   []byte
	PayloadR     []byte
	Ciphertext   []byte
	UnlockTime   int64
}

// EncodeUTXOBody serializes a UTXOBody for transport inside a PoolJoin
// (§6 "every envelope carries ... payload").
func EncodeUTXOBody(b UTXOBody) ([]byte, error) {
	w := utxoBodyWire{
		Recipient:  b.Recipient.Bytes(),
		Commitment: b.Commitment.Bytes(),
		UnlockTime: b.UnlockTime,
	}
	if b.CloakingHint != nil {
		w.CloakingHint = b.CloakingHint.Bytes()
	}
	if b.Payload != nil {
		w.PayloadR = b.Payload.R.Bytes()
		w.Ciphertext = b.Payload.Ciphertext
	}
	out, err := cbor.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("txmodel: encode utxo body: %w", err)
	}
	return out, nil
}

// DecodeUTXOBody is the inverse of EncodeUTXOBody.
func DecodeUTXOBody(b []byte) (UTXOBody, error) {
	var w utxoBodyWire
	if err := cbor.Unmarshal(b, &w); err != nil {
		return UTXOBody{}, fmt.Errorf("txmodel: decode utxo body: %w", err)
	}
	recipient, err := curve.PointFromBytes(w.Recipient)
	if err != nil {
		return UTXOBody{}, fmt.Errorf("txmodel: utxo body recipient: %w", err)
	}
	commitment, err := curve.PointFromBytes(w.Commitment)
	if err != nil {
		return UTXOBody{}, fmt.Errorf("txmodel: utxo body commitment: %w", err)
	}
	body := UTXOBody{Recipient: recipient, Commitment: commitment, UnlockTime: w.UnlockTime}
	if len(w.CloakingHint) > 0 {
		hint, err := curve.PointFromBytes(w.CloakingHint)
		if err != nil {
			return UTXOBody{}, fmt.Errorf("txmodel: utxo body cloaking hint: %w", err)
		}
		body.CloakingHint = hint
	}
	if len(w.PayloadR) > 0 {
		r, err := curve.PointFromBytes(w.PayloadR)
		if err != nil {
			return UTXOBody{}, fmt.Errorf("txmodel: utxo body payload R: %w", err)
		}
		body.Payload = &primitives.EncryptedPayload{R: r, Ciphertext: w.Ciphertext}
	}
	return body, nil
}

// ZeroRow returns a zero-filled row of the given length: the plaintext
// form of an unused MAX_UTXOS slot before cloaking. The session's own
// matrix builder allocates its zero rows directly and does not call it.
func ZeroRow(length int) []byte {
	return make([]byte, length)
}

// SuperTransaction is the joint transaction one successful Snowball round
// produces: the union of every participant's claimed inputs, the union of
// every successfully decoded output, the aggregate fee, and the
// aggregate gamma adjustment needed to balance Pedersen commitments.
type SuperTransaction struct {
	Inputs    []TxIn
	Outputs   []UTXOBody
	Fee       int64
	GammaAdj  *curve.Scalar
	Signature *primitives.Signature
}

// BalanceCommitment returns Pedersen(gamma_adj, fee), the value every
// honest participant's (inputs - outputs) commitment difference must
// equal, per the core spec's zero-balance invariant.
func (t *SuperTransaction) BalanceCommitment() *curve.Point {
	return primitives.Commit(t.GammaAdj, t.Fee)
}
