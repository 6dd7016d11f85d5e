package snowball

import (
	"time"

	"github.com/luxfi/snowball/internal/curve"
)

// MaxUTXOs is the fixed cap on output slots per participant per session
// (§3 glossary "MAX_UTXOS").
const MaxUTXOs = 5

// RecipientLen is the width of a compressed curve point, used when
// computing the negotiated UTXO row length.
const RecipientLen = 33

// DefaultRoundTimeout is the per-phase wait timeout (§5 "default 60s").
const DefaultRoundTimeout = 60 * time.Second

// Params carries the session's tunable knobs. Unlike the teacher's LSS
// Config (which stores long-lived key shares), Params holds no secret
// material and can be shared freely across sessions.
type Params struct {
	// MaxUTXOs caps proposed output slots per participant.
	MaxUTXOs int

	// RoundTimeout is the per-phase wait timeout for the wait states
	// (§5). Session runs no timer of its own and does not read this
	// field; a caller applies it by calling HandleTimeout when it expires.
	RoundTimeout time.Duration

	// PayloadLen bounds the optional data field carried in each
	// encrypted UTXO payload; it is part of the negotiated row length.
	PayloadLen int

	// BlameOnUnparseableRow selects the strict policy flag the core spec
	// leaves as an open question (§9): when true, a matrix row that
	// fails to deserialize triggers blame against its slot owner instead
	// of being silently treated as padding.
	BlameOnUnparseableRow bool

	// FeePerParticipant is each member's share of the joint transaction
	// fee, contributed as a scalar that is cloaked and decloaked exactly
	// like the balancing gamma adjustment (§4.3 step 6 "aggregate fee").
	FeePerParticipant int64
}

// DefaultParams returns the session defaults used when the caller
// supplies none.
func DefaultParams() Params {
	return Params{
		MaxUTXOs:              MaxUTXOs,
		RoundTimeout:          DefaultRoundTimeout,
		PayloadLen:            256,
		BlameOnUnparseableRow: false,
	}
}

// RowLength computes the fixed per-slot serialized UTXO row width from
// Params alone, so every participant using the same Params agrees on it
// (§6 "Wire encoding").
func (p Params) RowLength() int {
	return RecipientLen + 8 /* amount */ + curve.ScalarSize /* gamma */ + curve.ScalarSize /* delta */ + 8 /* unlock time */ + p.PayloadLen
}

// Identity is the long-term, read-only material a wallet supplies when
// constructing a Session: its network identity and the long-term
// signing secret every round nonce and ephemeral keypair is derived
// from (§4.2, §5 "Shared resources").
type Identity struct {
	SigningSecret *curve.Scalar
	SigningPublic *curve.Point
}
