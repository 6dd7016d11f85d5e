package snowball_test

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/internal/hash"
	itest "github.com/luxfi/snowball/internal/test"
	"github.com/luxfi/snowball/internal/transport"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
	"github.com/luxfi/snowball/protocols/snowball"
)

// afterKindDropper wraps a live Transport and silently swallows any
// Broadcast/Send whose Kind is at or past dropAt, modeling a participant
// that goes silent partway through a round rather than one that never
// joined at all.
type afterKindDropper struct {
	underlying snowball.Transport
	dropAt     snowball.Kind
}

func (d afterKindDropper) Broadcast(ctx context.Context, env *snowball.Envelope) error {
	if env.Kind >= d.dropAt {
		return nil
	}
	return d.underlying.Broadcast(ctx, env)
}

func (d afterKindDropper) Send(ctx context.Context, to party.ID, env *snowball.Envelope) error {
	if env.Kind >= d.dropAt {
		return nil
	}
	return d.underlying.Send(ctx, to, env)
}

// TestSessionRestartsAfterDropBetweenCommitmentAndCloakedVals covers §8
// scenario 3: four participants, one goes silent after publishing its
// Commitment but before CloakedVals opens. The survivors must time out
// waiting on CloakedVals and restart with the remaining three rather
// than hang forever.
func TestSessionRestartsAfterDropBetweenCommitmentAndCloakedVals(t *testing.T) {
	ctx := context.Background()
	identities, err := itest.PartyIDs(4)
	require.NoError(t, err)
	members := itest.IDList(identities)
	net := transport.NewNetwork(members)

	sessions := make([]*snowball.Session, len(identities))
	for i, id := range identities {
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		var tr snowball.Transport = net.Endpoint(id.ID)
		if i == len(identities)-1 {
			tr = afterKindDropper{underlying: tr, dropAt: snowball.KindCloakedVals}
		}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, tr, snowball.EventSink{})
	}
	dropped := identities[len(identities)-1].ID

	for _, sess := range sessions {
		require.NoError(t, sess.BeginRound(ctx, poolMembersWithoutInputs(members), nil, snowball.SessionID{}, 0))
	}

	runUntilQuiescent(t, ctx, sessions, net, members, 20)

	honest := sessions[:len(sessions)-1]
	for i, sess := range honest {
		assert.Equal(t, snowball.CloakedVals, sess.Phase(), "honest participant %d must still be waiting on CloakedVals", i)
	}

	for _, sess := range honest {
		sess.HandleTimeout()
		assert.Equal(t, snowball.PoolRestart, sess.Phase())
		restartMembers := sess.RestartMembers()
		assert.False(t, restartMembers.Contains(dropped), "the participant silent since Commitment must be excluded from the retry set")
		assert.Len(t, restartMembers, 3)
	}
}

// cloakedValsCorruptor mutates every outgoing CloakedVals payload just
// before it leaves the wire, modeling a participant whose reveal no
// longer matches what it committed to earlier in the round. The
// cheater's own local session still believes its honest payload was
// sent; only what peers receive is tampered with.
type cloakedValsCorruptor struct {
	underlying snowball.Transport
}

func (c cloakedValsCorruptor) Broadcast(ctx context.Context, env *snowball.Envelope) error {
	if env.Kind != snowball.KindCloakedVals {
		return c.underlying.Broadcast(ctx, env)
	}
	var payload snowball.CloakedValsPayload
	if err := cbor.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	mutated := append([]byte(nil), payload.Matrix[0]...)
	mutated[0] ^= 0xFF
	payload.Matrix[0] = mutated
	body, err := cbor.Marshal(payload)
	if err != nil {
		return err
	}
	corrupted := &snowball.Envelope{SessionID: env.SessionID, Source: env.Source, Destination: env.Destination, Kind: env.Kind, Payload: body}
	return c.underlying.Broadcast(ctx, corrupted)
}

func (c cloakedValsCorruptor) Send(ctx context.Context, to party.ID, env *snowball.Envelope) error {
	return c.underlying.Send(ctx, to, env)
}

// TestSessionExcludesCheaterWithMismatchedCloakedValsCommitment covers
// §8 scenario 4: four participants, one's published CloakedVals reveal
// no longer hashes to the Commitment it sent earlier. The cheater must
// be excluded immediately rather than stalling the round, and the
// remaining three must still complete.
func TestSessionExcludesCheaterWithMismatchedCloakedValsCommitment(t *testing.T) {
	ctx := context.Background()
	identities, err := itest.PartyIDs(4)
	require.NoError(t, err)
	members := itest.IDList(identities)
	net := transport.NewNetwork(members)

	cheater := identities[0].ID
	var excluded []party.ID

	sessions := make([]*snowball.Session, len(identities))
	for i, id := range identities {
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		var tr snowball.Transport = net.Endpoint(id.ID)
		if i == 0 {
			tr = cloakedValsCorruptor{underlying: tr}
		}
		sink := snowball.EventSink{}
		if i == 1 {
			sink.OnExclude = func(id party.ID, reason error) { excluded = append(excluded, id) }
		}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, tr, sink)
	}

	for i, sess := range sessions {
		proposed := []*txmodel.ProposedUTXO{randomProposedUTXO(t, int64(100*(i+1)))}
		require.NoError(t, sess.BeginRound(ctx, poolMembersWithoutInputs(members), proposed, snowball.SessionID{}, 0))
	}

	runUntilQuiescent(t, ctx, sessions, net, members, 50)

	require.Len(t, excluded, 1, "exactly one participant must be excluded for a mismatched CloakedVals reveal")
	assert.True(t, excluded[0].Equal(cheater))

	honest := sessions[1:]
	for i, sess := range honest {
		require.Equal(t, snowball.PoolFinished, sess.Phase(), "honest participant %d must still finish the round", i)
		tx, ok := sess.Result()
		require.True(t, ok)
		assert.Len(t, tx.Outputs, len(honest), "the cheater's output must be dropped from the joint transaction")
	}
}

// balancedPoolMembers attributes each participant a synthetic claimed
// input whose commitment exactly balances its own proposed outputs and
// per-participant fee, the way a real wallet's actual UTXO commitments
// would, so that blame discovery's zero-balance check clears every
// honest contributor regardless of the output amounts chosen.
func balancedPoolMembers(ids party.List, outputsByID map[string][]*txmodel.ProposedUTXO, feePerParticipant int64) []snowball.PoolMember {
	members := make([]snowball.PoolMember, len(ids))
	for i, id := range ids {
		outs := outputsByID[string(id.Bytes())]
		gammaAdj := curve.NewScalar()
		commitment := curve.NewPoint()
		for _, o := range outs {
			gammaAdj = gammaAdj.Sub(o.Gamma)
			commitment = commitment.Add(primitives.Commit(o.Gamma, o.Amount))
		}
		commitment = commitment.Add(primitives.Commit(gammaAdj, feePerParticipant))
		members[i] = snowball.PoolMember{
			ID:    id,
			TxIns: []txmodel.TxIn{{Body: txmodel.UTXOBody{Commitment: commitment}}},
		}
	}
	return members
}

// TestSessionBlamesBadRangeProofOutputThenSucceedsOnRetry covers §8
// scenario 5 end to end: four participants, one proposes an
// out-of-range (negative) output. The forged amount cancels perfectly
// in Pedersen commitment arithmetic, so the composite signature itself
// validates; only the standalone range-proof check catches it, failing
// the round after Signature aggregation. The SecretKeying blame round
// must then identify exactly that participant, and a fresh round among
// the remaining three must succeed.
func TestSessionBlamesBadRangeProofOutputThenSucceedsOnRetry(t *testing.T) {
	ctx := context.Background()
	identities, err := itest.PartyIDs(4)
	require.NoError(t, err)
	members := itest.IDList(identities)
	net := transport.NewNetwork(members)

	outputsByID := make(map[string][]*txmodel.ProposedUTXO, len(identities))
	for i, id := range identities {
		amount := int64(100 * (i + 1))
		if i == len(identities)-1 {
			amount = -1
		}
		outputsByID[string(id.ID.Bytes())] = []*txmodel.ProposedUTXO{randomProposedUTXO(t, amount)}
	}
	poolMembers := balancedPoolMembers(members, outputsByID, 0)
	cheater := identities[len(identities)-1].ID

	sessions := make([]*snowball.Session, len(identities))
	for i, id := range identities {
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, net.Endpoint(id.ID), snowball.EventSink{})
	}

	for i, sess := range sessions {
		require.NoError(t, sess.BeginRound(ctx, poolMembers, outputsByID[string(identities[i].ID.Bytes())], snowball.SessionID{}, 0))
	}

	runUntilQuiescent(t, ctx, sessions, net, members, 50)

	for i, sess := range sessions {
		assert.Equal(t, snowball.PoolRestart, sess.Phase(), "participant %d must restart after the forged output is caught", i)
		restartMembers := sess.RestartMembers()
		assert.False(t, restartMembers.Contains(cheater), "the participant with the negative-amount output must be blamed")
		assert.Len(t, restartMembers, 3)
	}

	honestIdentities := identities[:len(identities)-1]
	honestMembers := members[:len(members)-1]
	retryNet := transport.NewNetwork(honestMembers)
	retrySessions := make([]*snowball.Session, len(honestIdentities))
	for i, id := range honestIdentities {
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		retrySessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, retryNet.Endpoint(id.ID), snowball.EventSink{})
	}
	retryOutputs := make(map[string][]*txmodel.ProposedUTXO, len(honestIdentities))
	for _, id := range honestIdentities {
		retryOutputs[string(id.ID.Bytes())] = outputsByID[string(id.ID.Bytes())]
	}
	retryMembers := balancedPoolMembers(honestMembers, retryOutputs, 0)
	for i, sess := range retrySessions {
		require.NoError(t, sess.BeginRound(ctx, retryMembers, retryOutputs[string(honestIdentities[i].ID.Bytes())], snowball.SessionID{}, 1))
	}
	runUntilQuiescent(t, ctx, retrySessions, retryNet, honestMembers, 50)

	for i, sess := range retrySessions {
		require.Equal(t, snowball.PoolFinished, sess.Phase(), "honest participant %d must finish the retried round", i)
		tx, ok := sess.Result()
		require.True(t, ok)
		assert.Len(t, tx.Outputs, len(retrySessions))
	}
}

// TestSessionIDPinnedForZeroSeedParticipants covers §8 scenario 6:
// three honest participants, all sharing the reserved all-zero seed,
// still agree byte-for-byte on H("sid" ‖ prev ‖ round ‖ sorted ids),
// reconstructed here independently of DeriveSessionID to pin the exact
// domain-separated formula rather than merely round-tripping it.
func TestSessionIDPinnedForZeroSeedParticipants(t *testing.T) {
	ctx := context.Background()
	zeroSeed := make([]byte, 16)

	var members party.List
	secrets := make(map[string]*curve.Scalar, 3)
	for i := 0; i < 3; i++ {
		sk, err := curve.RandomScalar(rand.Reader)
		require.NoError(t, err)
		id := party.ID{NetworkKey: sk.ActOnBase().Bytes(), Seed: append([]byte(nil), zeroSeed...)}
		members = append(members, id)
		secrets[string(id.Bytes())] = sk
	}
	net := transport.NewNetwork(members)

	sessions := make([]*snowball.Session, len(members))
	for i, id := range members {
		sk := secrets[string(id.Bytes())]
		identity := snowball.Identity{SigningSecret: sk, SigningPublic: sk.ActOnBase()}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id, primitives.DefaultRangeProver{}, net.Endpoint(id), snowball.EventSink{})
	}

	for _, sess := range sessions {
		require.NoError(t, sess.BeginRound(ctx, poolMembersWithoutInputs(members), nil, snowball.SessionID{}, 0))
	}

	env := <-net.Inbox(members[1])
	require.Equal(t, snowball.KindSharedKeying, env.Kind)

	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], 0)
	var prev snowball.SessionID
	sorted := members.Sorted()
	want := hash.Sum256("sid", prev[:], roundBuf[:], sorted.Bytes())

	assert.Equal(t, want, env.SessionID.Bytes(), "session id must match the pinned H(\"sid\" || prev || round || sorted ids) formula byte-for-byte")
}
