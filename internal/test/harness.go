// Package test provides the small multi-party harness used throughout
// this module's own tests: freshly generated random party ids (the
// in-memory network lives in internal/transport), mirroring the harness referenced but not shipped by the
// teacher's protocol tests (test.PartyIDs / pkg/protocol tests assume an
// equivalent helper exists in the consuming repo).
package test

import (
	"crypto/rand"
	"fmt"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/party"
)

// Identity bundles a generated signing keypair with the party.ID derived
// from it, everything one simulated wallet needs to join a session.
type Identity struct {
	ID     party.ID
	Secret *curve.Scalar
	Public *curve.Point
}

// PartyIDs generates n fresh simulated wallet identities, each with its
// own random network keypair and session seed.
func PartyIDs(n int) ([]Identity, error) {
	out := make([]Identity, n)
	for i := range out {
		secret, err := curve.RandomScalar(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("test: generate identity %d: %w", i, err)
		}
		public := secret.ActOnBase()
		seed := make([]byte, 16)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("test: generate seed %d: %w", i, err)
		}
		out[i] = Identity{
			ID:     party.ID{NetworkKey: public.Bytes(), Seed: seed},
			Secret: secret,
			Public: public,
		}
	}
	return out, nil
}

// IDList extracts the plain party.List from a slice of Identity.
func IDList(ids []Identity) party.List {
	out := make(party.List, len(ids))
	for i, id := range ids {
		out[i] = id.ID
	}
	return out
}
