// Package curve wraps the secp256k1 scalar field and group behind the
// narrow surface the Snowball session needs: addition, scalar
// multiplication and fixed-width serialization. It is the concrete
// backend for the "opaque cryptographic primitives" boundary the
// session core is specified against.
package curve

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/cronokirby/saferith"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ScalarSize is the fixed width of a serialized scalar or compressed point
// x-coordinate chunk used throughout the DiceMix encoding.
const ScalarSize = 32

// Scalar is an element of the secp256k1 scalar field.
type Scalar struct {
	n secp256k1.ModNScalar
}

// NewScalar returns the additive identity.
func NewScalar() *Scalar {
	return &Scalar{}
}

// RandomScalar samples a uniform non-zero scalar.
func RandomScalar(rnd io.Reader) (*Scalar, error) {
	var buf [ScalarSize]byte
	for {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return nil, err
		}
		s := &Scalar{}
		overflow := s.n.SetBytes((*[32]byte)(&buf))
		if overflow == 0 && !s.n.IsZero() {
			return s, nil
		}
	}
}

// ScalarFromBytes reduces an arbitrary-length big-endian byte string modulo
// the group order, matching the way the session derives scalars from
// domain-separated hash output (round nonces, cloak scalars, challenges).
func ScalarFromBytes(b []byte) *Scalar {
	nat := new(saferith.Nat).SetBytes(b)
	order := saferith.ModulusFromBytes(secp256k1.Params().N.Bytes())
	return scalarFromNat(new(saferith.Nat).Mod(nat, order))
}

func scalarFromNat(nat *saferith.Nat) *Scalar {
	s := &Scalar{}
	s.n.SetByteSlice(nat.Bytes())
	return s
}

// Bytes returns the big-endian fixed-width encoding.
func (s *Scalar) Bytes() []byte {
	b := s.n.Bytes()
	out := make([]byte, ScalarSize)
	copy(out[:], b[:])
	return out
}

// Add returns s + o.
func (s *Scalar) Add(o *Scalar) *Scalar {
	r := &Scalar{}
	r.n.Set(&s.n)
	r.n.Add(&o.n)
	return r
}

// Sub returns s - o.
func (s *Scalar) Sub(o *Scalar) *Scalar {
	neg := &Scalar{}
	neg.n.Set(&o.n)
	neg.n.Negate()
	return s.Add(neg)
}

// Mul returns s * o.
func (s *Scalar) Mul(o *Scalar) *Scalar {
	r := &Scalar{}
	r.n.Set(&s.n)
	r.n.Mul(&o.n)
	return r
}

// Negate returns -s.
func (s *Scalar) Negate() *Scalar {
	r := &Scalar{}
	r.n.Set(&s.n)
	r.n.Negate()
	return r
}

// IsZero reports whether s is the additive identity.
func (s *Scalar) IsZero() bool {
	return s.n.IsZero()
}

// Equal reports whether s and o represent the same field element.
func (s *Scalar) Equal(o *Scalar) bool {
	return s.n.Equals(&o.n)
}

// ActOnBase computes s*G, the session's fundamental commitment primitive
// (round nonces, ephemeral public keys, Schnorr partial signatures).
func (s *Scalar) ActOnBase() *Point {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.n, &j)
	return &Point{j: j}
}

// Act computes s*P.
func (s *Scalar) Act(p *Point) *Point {
	var j secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.n, &p.j, &j)
	return &Point{j: j}
}

// Point is an element of the secp256k1 group.
type Point struct {
	j secp256k1.JacobianPoint
}

// NewPoint returns the point at infinity.
func NewPoint() *Point {
	p := &Point{}
	p.j.Z.SetInt(0)
	return p
}

// Add returns p + o.
func (p *Point) Add(o *Point) *Point {
	var r secp256k1.JacobianPoint
	secp256k1.AddNonConst(&p.j, &o.j, &r)
	return &Point{j: r}
}

// IsIdentity reports whether p is the point at infinity.
func (p *Point) IsIdentity() bool {
	return p.j.Z.IsZero()
}

// Negate returns -p, computed as (-1 mod n)*p so it only relies on the
// scalar-multiplication primitive already used throughout this file.
func (p *Point) Negate() *Point {
	negOne := &Scalar{}
	negOne.n.SetInt(1)
	negOne.n.Negate()
	var r secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&negOne.n, &p.j, &r)
	return &Point{j: r}
}

// Sub returns p - o, used by the blame-discovery balance checks that
// subtract output commitments from an input/commitment sum (§4.6).
func (p *Point) Sub(o *Point) *Point {
	return p.Add(o.Negate())
}

// Equal reports whether p and o are the same group element.
func (p *Point) Equal(o *Point) bool {
	a, b := *p, *o
	a.j.ToAffine()
	b.j.ToAffine()
	if a.j.Z.IsZero() && b.j.Z.IsZero() {
		return true
	}
	return a.j.X.Equals(&b.j.X) && a.j.Y.Equals(&b.j.Y)
}

// Bytes returns the 33-byte compressed encoding.
func (p *Point) Bytes() []byte {
	aff := p.j
	aff.ToAffine()
	pub := secp256k1.NewPublicKey(&aff.X, &aff.Y)
	return pub.SerializeCompressed()
}

// PointFromBytes parses a 33-byte compressed encoding.
func PointFromBytes(b []byte) (*Point, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	p := &Point{}
	secp256k1.BigAffineToJacobian(pub.X(), pub.Y(), &p.j)
	return p, nil
}

// G is the standard generator, exposed for documentation purposes; callers
// should prefer Scalar.ActOnBase.
func G() *Point {
	one := NewScalar()
	one.n.SetInt(1)
	return one.ActOnBase()
}

// nothingUpMySleeveH derives the second Pedersen generator H by hashing a
// fixed domain string and retrying until the digest decodes as a valid
// compressed point, so that nobody (including the implementer) knows a
// discrete log relationship between G and H.
func nothingUpMySleeveH() *Point {
	seed := []byte("snowball/pedersen/H")
	for counter := uint32(0); ; counter++ {
		h := sha256.New()
		h.Write(seed)
		h.Write([]byte{byte(counter), byte(counter >> 8), byte(counter >> 16), byte(counter >> 24)})
		digest := h.Sum(nil)
		candidate := append([]byte{0x02}, digest...)
		if p, err := PointFromBytes(candidate); err == nil {
			return p
		}
	}
}

var hGenerator = nothingUpMySleeveH()

// H returns the Pedersen blinding generator.
func H() *Point {
	return hGenerator
}

// ErrInvalidEncoding is returned when a point or scalar fails to parse.
var ErrInvalidEncoding = errors.New("curve: invalid encoding")
