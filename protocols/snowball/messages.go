package snowball

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/party"
)

// Kind tags the payload carried in an Envelope, used to route inbound
// messages by the pair (current phase, kind) as recommended in §9
// "Effect polymorphism over message kinds".
type Kind uint8

const (
	KindSharedKeying Kind = iota + 1
	KindCommitment
	KindCloakedVals
	KindSignature
	KindSecretKeying
)

func (k Kind) String() string {
	switch k {
	case KindSharedKeying:
		return "SharedKeying"
	case KindCommitment:
		return "Commitment"
	case KindCloakedVals:
		return "CloakedVals"
	case KindSignature:
		return "Signature"
	case KindSecretKeying:
		return "SecretKeying"
	default:
		return "Unknown"
	}
}

// Envelope is the length-prefixed wire wrapper every peer message
// travels in (§6 "every envelope carries {session_id, source,
// destination, payload}"). Peer identities are carried as their wire
// encoding; Source/Destination are resolved against the current
// participant list by the transport layer.
type Envelope struct {
	SessionID   SessionID
	Source      []byte // party.ID.Bytes()
	Destination []byte
	Kind        Kind
	Payload     []byte
}

// Marshal produces the length-prefixed binary wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	body, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("snowball: marshal envelope: %w", err)
	}
	var lenPrefix [4]byte
	n := uint32(len(body))
	lenPrefix[0] = byte(n >> 24)
	lenPrefix[1] = byte(n >> 16)
	lenPrefix[2] = byte(n >> 8)
	lenPrefix[3] = byte(n)
	return append(lenPrefix[:], body...), nil
}

// UnmarshalEnvelope parses the length-prefixed wire form produced by
// Marshal.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("snowball: envelope too short")
	}
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if uint32(len(b)-4) < n {
		return nil, fmt.Errorf("snowball: envelope length mismatch")
	}
	var e Envelope
	if err := cbor.Unmarshal(b[4:4+n], &e); err != nil {
		return nil, fmt.Errorf("snowball: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// decodePayload unmarshals e.Payload into dst using cbor, matching the
// way pkg/protocol.getRoundMessage unmarshals round content in the
// teacher.
func decodePayload(e *Envelope, dst interface{}) error {
	if err := cbor.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("snowball: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

func encodePayload(v interface{}) ([]byte, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snowball: encode payload: %w", err)
	}
	return b, nil
}

// SharedKeyingPayload broadcasts this round's ephemeral public key and
// the round's Schnorr nonce commitment (§4.2 step 5, §6).
type SharedKeyingPayload struct {
	Pkey []byte // curve.Point compressed bytes
	Ksig []byte
}

func newSharedKeying(pkey, k *curve.Point) SharedKeyingPayload {
	return SharedKeyingPayload{Pkey: pkey.Bytes(), Ksig: k.Bytes()}
}

func (p SharedKeyingPayload) points() (pkey, k *curve.Point, err error) {
	pkey, err = curve.PointFromBytes(p.Pkey)
	if err != nil {
		return nil, nil, fmt.Errorf("shared keying pkey: %w", err)
	}
	k, err = curve.PointFromBytes(p.Ksig)
	if err != nil {
		return nil, nil, fmt.Errorf("shared keying ksig: %w", err)
	}
	return pkey, k, nil
}

// CommitmentPayload carries the hash committing a participant to the
// cloaked matrix and scalars it will reveal in CloakedVals (§4.3 step 7).
type CommitmentPayload struct {
	Cmt []byte
}

// CloakedValsPayload reveals the cloaked matrix and scalars committed to
// above, plus the cloak secrets owed to every participant the sender
// has excluded by the time it opens (§4.4).
type CloakedValsPayload struct {
	Matrix           [][]byte
	CloakedGammaAdj  []byte
	CloakedFee       []byte
	CloaksForDropped map[string][]byte // excluded participant key -> revealed cloak secret
}

// SignaturePayload carries one participant's partial Schnorr signature
// contribution (§4.5 step 6).
type SignaturePayload struct {
	U []byte // scalar bytes
}

// SecretKeyingPayload reveals a participant's ephemeral session secret
// for blame discovery (§4.6 step 1).
type SecretKeyingPayload struct {
	Secret []byte // scalar bytes
}

// PoolJoin is sent to the facilitator to advertise intent to mix (§4.1,
// §6).
type PoolJoin struct {
	Seed                []byte
	TxInHashes          [][32]byte
	UTXOBodies          [][]byte // pre-serialized TxIn.Body for transport
	OwnershipSignature  []byte
}

// PoolAnnounceMember is one entry in a facilitator's PoolAnnounce.
type PoolAnnounceMember struct {
	NetworkKey         []byte
	Seed               []byte
	TxInHashes         [][32]byte
	UTXOBodies         [][]byte
	OwnershipSignature []byte
}

// PoolAnnounce lists the session membership a facilitator has formed
// (§4.1, §6).
type PoolAnnounce struct {
	SessionID SessionID
	Members   []PoolAnnounceMember
}

func idKey(id party.ID) string {
	return string(id.Bytes())
}
