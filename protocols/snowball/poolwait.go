package snowball

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// PoolMember is one participant a facilitator has admitted to a
// session, as carried in PoolAnnounce (§4.1 step 4): its identity, the
// inputs it claims to own, and the single ownership proof covering all
// of them.
type PoolMember struct {
	ID                 party.ID
	TxIns              []txmodel.TxIn
	OwnershipSignature []byte
}

// ownershipMessage is the fixed content the input-claim signature
// covers: the concatenation of every claimed input's hash, binding the
// proof to this exact set of UTXOs (§3 "Input claim").
func ownershipMessage(hashes [][32]byte) []byte {
	out := make([]byte, 0, len(hashes)*32)
	for _, h := range hashes {
		out = append(out, h[:]...)
	}
	return out
}

// verifyPoolMembership checks every member's ownership proof
// concurrently, following the parallel independent per-item
// verification style used for range proofs in verifyOutputs, and
// returns the subset of members that passed.
//
// The verification key is txmodel.ClaimPublicKey(m.TxIns) — the sum of
// the claimed inputs' own on-chain recipient points, computable by any
// verifier from public data alone. Only the claiming owner needs the
// gamma/delta blinding of each input (known because it once decrypted
// that output's payload) to produce a signature that validates against
// it (§3 "Input claim"). Members that fail are dropped rather than
// aborting pool formation, matching the rest of the protocol's
// "exclude, don't abort" philosophy (§4.1 step 3, §7).
func verifyPoolMembership(ctx context.Context, members []PoolMember) ([]PoolMember, error) {
	results := make([]bool, len(members))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range members {
		i, m := i, m
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if len(m.TxIns) == 0 || len(m.OwnershipSignature) == 0 {
				return nil
			}
			sig, err := primitives.SignatureFromBytes(m.OwnershipSignature)
			if err != nil {
				return nil
			}
			hashes := make([][32]byte, len(m.TxIns))
			for j, in := range m.TxIns {
				hashes[j] = in.Hash
			}
			pub := txmodel.ClaimPublicKey(m.TxIns)
			if !primitives.Validate(sig, ownershipMessage(hashes), pub) {
				return nil
			}
			results[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snowball: pool verification: %w", err)
	}
	var ok []PoolMember
	for i, passed := range results {
		if passed {
			ok = append(ok, members[i])
		}
	}
	return ok, nil
}

// requireSelfMember checks that self appears in the facilitator's
// announced membership, the precondition for proceeding past PoolWait
// (§4.1 step 5, §7 ErrNotInParticipantList).
func requireSelfMember(self party.ID, members []PoolMember) error {
	for _, m := range members {
		if m.ID.Equal(self) {
			return nil
		}
	}
	return ErrNotInParticipantList
}
