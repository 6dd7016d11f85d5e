// Package primitives names the cryptographic interface the Snowball
// session core consumes but does not implement: Pedersen commitments,
// range proofs, encryption to a curve public key, Schnorr
// signing/aggregation and deterministic key derivation. Per the core
// specification these are external collaborators; this package pins
// down their Go signatures and ships one concrete secp256k1-based
// implementation so the session is runnable end to end in tests.
package primitives

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/snowball/internal/curve"
)

// Commit computes the Pedersen commitment gamma*G + value*H.
func Commit(gamma *curve.Scalar, value int64) *curve.Point {
	v := curve.NewScalar()
	if value < 0 {
		v = curve.ScalarFromBytes(encodeI64(-value)).Negate()
	} else {
		v = curve.ScalarFromBytes(encodeI64(value))
	}
	return gamma.ActOnBase().Add(v.Act(curve.H()))
}

func encodeI64(v int64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b[:]
}

// RangeProof is an opaque proof that a committed amount lies in a valid
// range (e.g. [0, 2^64)). The session never inspects its internals: it
// only generates one per output and asks the engine to verify it.
type RangeProof interface {
	// Verify checks the proof against the commitment it was produced for.
	Verify(commitment *curve.Point) bool
}

// RangeProver produces and checks RangeProofs. The escrow/output modules
// that own the real bulletproof implementation sit behind this interface;
// Snowball only needs to call it.
type RangeProver interface {
	Prove(gamma *curve.Scalar, amount int64) (RangeProof, error)
	Verify(proof RangeProof, commitment *curve.Point) bool
}

// stubRangeProof is a placeholder proof used by the default prover: it
// simply records the values needed to recompute and compare the
// commitment, standing in for a real bulletproof until one is wired in
// from the escrow/output module.
type stubRangeProof struct {
	gamma  *curve.Scalar
	amount int64
}

func (p *stubRangeProof) Verify(commitment *curve.Point) bool {
	if p.amount < 0 {
		return false
	}
	return Commit(p.gamma, p.amount).Equal(commitment)
}

// DefaultRangeProver is the stand-in range-proof engine used when no
// production bulletproof backend is configured.
type DefaultRangeProver struct{}

func (DefaultRangeProver) Prove(gamma *curve.Scalar, amount int64) (RangeProof, error) {
	if amount < 0 {
		return nil, errors.New("primitives: negative amount")
	}
	return &stubRangeProof{gamma: gamma, amount: amount}, nil
}

func (DefaultRangeProver) Verify(proof RangeProof, commitment *curve.Point) bool {
	if proof == nil {
		return false
	}
	return proof.Verify(commitment)
}

// EncryptedPayload is ciphertext plus the ephemeral R-value used to
// derive the shared secret, as named in the external interfaces section
// of the core spec. The ciphertext is the plaintext XORed with an
// HMAC-SHA256 keystream; it carries no authentication tag.
type EncryptedPayload struct {
	R          *curve.Point
	Ciphertext []byte
}

// Seal encrypts plaintext of any length to recipient, returning the
// ephemeral R-value alongside the ciphertext.
func Seal(recipient *curve.Point, plaintext []byte) (*EncryptedPayload, error) {
	ephemeral, err := curve.RandomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	shared := ephemeral.Act(recipient)
	key := kdf(shared.Bytes(), "snowball/aead")
	ct := xorStream(key, plaintext)
	return &EncryptedPayload{R: ephemeral.ActOnBase(), Ciphertext: ct}, nil
}

// Open decrypts a payload sealed with Seal using the recipient's secret key.
// It does not detect a tampered ciphertext or a wrong key: it always
// returns the XOR-decrypted bytes and a nil error.
func Open(secretKey *curve.Scalar, payload *EncryptedPayload) ([]byte, error) {
	shared := secretKey.Act(payload.R)
	key := kdf(shared.Bytes(), "snowball/aead")
	return xorStream(key, payload.Ciphertext), nil
}

func kdf(secret []byte, label string) []byte {
	h := hkdf.New(sha256.New, secret, nil, []byte(label))
	out := make([]byte, 32)
	_, _ = io.ReadFull(h, out)
	return out
}

func xorStream(seed []byte, data []byte) []byte {
	out := make([]byte, len(data))
	stream := expand(seed, len(data))
	for i := range data {
		out[i] = data[i] ^ stream[i]
	}
	return out
}

func expand(seed []byte, n int) []byte {
	out := make([]byte, 0, n)
	counter := uint32(0)
	for len(out) < n {
		mac := hmac.New(sha256.New, seed)
		mac.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
		out = append(out, mac.Sum(nil)...)
		counter++
	}
	return out[:n]
}

// DeriveKeypair deterministically derives an (ephemeral secret, public)
// pair from a byte seed, as required for the ephemeral keying step of
// the Session Initializer (the round nonce has its own derivation,
// DeriveRoundNonce).
func DeriveKeypair(seed []byte) (*curve.Scalar, *curve.Point) {
	h := hkdf.New(sha256.New, seed, nil, []byte("snowball/keygen"))
	buf := make([]byte, 32)
	_, _ = io.ReadFull(h, buf)
	sk := curve.ScalarFromBytes(buf)
	if sk.IsZero() {
		sk = curve.ScalarFromBytes(append(buf, 0x01))
	}
	return sk, sk.ActOnBase()
}

// Signature is a Schnorr signature (R, u) over a fixed-width message hash.
type Signature struct {
	R *curve.Point
	U *curve.Scalar
}

// Challenge computes c = H(message || R), the Fiat-Shamir challenge
// shared by every participant's partial signature.
func Challenge(message []byte, r *curve.Point) *curve.Scalar {
	h := sha256.New()
	h.Write(message)
	h.Write(r.Bytes())
	return curve.ScalarFromBytes(h.Sum(nil))
}

// PartialSign computes u_self = k + c*secret for one participant's
// contribution to the aggregate Schnorr signature.
func PartialSign(k, secret, challenge *curve.Scalar) *curve.Scalar {
	return k.Add(challenge.Mul(secret))
}

// Aggregate sums partial u components into the final scalar of an
// aggregate Schnorr signature.
func Aggregate(parts ...*curve.Scalar) *curve.Scalar {
	sum := curve.NewScalar()
	for _, p := range parts {
		sum = sum.Add(p)
	}
	return sum
}

// Validate checks a Schnorr signature against an aggregate public key:
// u*G == R + c*pubkey.
func Validate(sig *Signature, message []byte, pubkey *curve.Point) bool {
	c := Challenge(message, sig.R)
	lhs := sig.U.ActOnBase()
	rhs := sig.R.Add(c.Act(pubkey))
	return lhs.Equal(rhs)
}

// Sign produces a single-signer Schnorr signature over message, the
// one-party special case of the round nonce / PartialSign / Aggregate
// sequence the composite signature uses (used for the input-claim
// ownership proof, §3 "Input claim").
func Sign(secret *curve.Scalar, message []byte) (*Signature, error) {
	k, err := curve.RandomScalar(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("primitives: sign nonce: %w", err)
	}
	r := k.ActOnBase()
	c := Challenge(message, r)
	u := PartialSign(k, secret, c)
	return &Signature{R: r, U: u}, nil
}

// Bytes encodes a signature as its compressed R point followed by the
// fixed-width u scalar, for transport inside a single proof field.
func (s *Signature) Bytes() []byte {
	return append(append([]byte{}, s.R.Bytes()...), s.U.Bytes()...)
}

// SignatureFromBytes is the inverse of (*Signature).Bytes.
func SignatureFromBytes(b []byte) (*Signature, error) {
	if len(b) <= curve.ScalarSize {
		return nil, errors.New("primitives: signature too short")
	}
	r, err := curve.PointFromBytes(b[:len(b)-curve.ScalarSize])
	if err != nil {
		return nil, fmt.Errorf("primitives: signature R: %w", err)
	}
	u := curve.ScalarFromBytes(b[len(b)-curve.ScalarSize:])
	return &Signature{R: r, U: u}, nil
}
