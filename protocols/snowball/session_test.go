package snowball_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/snowball/internal/curve"
	itest "github.com/luxfi/snowball/internal/test"
	"github.com/luxfi/snowball/internal/transport"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
	"github.com/luxfi/snowball/protocols/snowball"
)

func randomProposedUTXO(t *testing.T, amount int64) *txmodel.ProposedUTXO {
	t.Helper()
	recipientSecret, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	gamma, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	delta, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	return &txmodel.ProposedUTXO{
		Recipient: recipientSecret.ActOnBase(),
		Amount:    amount,
		Gamma:     gamma,
		Delta:     delta,
	}
}

// poolMembersWithoutInputs wraps a plain identity list into the
// []PoolMember shape BeginRound expects, for tests that do not exercise
// real claimed inputs.
func poolMembersWithoutInputs(ids party.List) []snowball.PoolMember {
	out := make([]snowball.PoolMember, len(ids))
	for i, id := range ids {
		out[i] = snowball.PoolMember{ID: id}
	}
	return out
}

// runUntilQuiescent repeatedly drains every session's inbox and advances
// its phase until no envelope moved in a full pass, standing in for the
// event loop a real wallet process would run against its own transport.
func runUntilQuiescent(t *testing.T, ctx context.Context, sessions []*snowball.Session, net *transport.Network, ids party.List, maxIters int) {
	t.Helper()
	for iter := 0; iter < maxIters; iter++ {
		progressed := false
		for i, sess := range sessions {
			inbox := net.Inbox(ids[i])
		drain:
			for {
				select {
				case env := <-inbox:
					require.NoError(t, sess.Deliver(ctx, env))
					progressed = true
				default:
					break drain
				}
			}
			require.NoError(t, sess.AdvancePhase(ctx))
		}
		if !progressed {
			return
		}
	}
}

func TestSessionEndToEndSuccess(t *testing.T) {
	ctx := context.Background()
	identities, err := itest.PartyIDs(3)
	require.NoError(t, err)
	members := itest.IDList(identities)
	net := transport.NewNetwork(members)

	sessions := make([]*snowball.Session, len(identities))
	for i, id := range identities {
		identity := snowball.Identity{SigningSecret: id.Secret, SigningPublic: id.Public}
		sessions[i] = snowball.NewSession(snowball.DefaultParams(), identity, id.ID, primitives.DefaultRangeProver{}, net.Endpoint(id.ID), snowball.EventSink{})
	}

	for i, sess := range sessions {
		proposed := []*txmodel.ProposedUTXO{randomProposedUTXO(t, int64(100*(i+1)))}
		require.NoError(t, sess.BeginRound(ctx, poolMembersWithoutInputs(members), proposed, snowball.SessionID{}, 0))
	}

	runUntilQuiescent(t, ctx, sessions, net, members, 50)

	for i, sess := range sessions {
		require.Equal(t, snowball.PoolFinished, sess.Phase(), "participant %d must reach PoolFinished", i)
		tx, ok := sess.Result()
		require.True(t, ok)
		assert.Len(t, tx.Outputs, len(sessions), "every participant's output must survive into the joint transaction")
		assert.NotNil(t, tx.Signature)
	}
}

// deadTransport models a participant that has gone silent at the network
// level: every send succeeds locally but never reaches a peer.
type deadTransport struct{}

func (deadTransport) Broadcast(ctx context.Context, env *snowball.Envelope) error { return nil }
func (deadTransport) Send(ctx context.Context, to party.ID, env *snowball.Envelope) error {
	return nil
}

func TestSessionTimeoutExcludesSilentMember(t *testing.T) {
	ctx := context.Background()
	identities, err := itest.PartyIDs(3)
	require.NoError(t, err)
	members := itest.IDList(identities)

	liveMembers := party.List{members[0], members[1]}
	net := transport.NewNetwork(liveMembers)

	live := make([]*snowball.Session, 2)
	for i := 0; i < 2; i++ {
		identity := snowball.Identity{SigningSecret: identities[i].Secret, SigningPublic: identities[i].Public}
		live[i] = snowball.NewSession(snowball.DefaultParams(), identity, identities[i].ID, primitives.DefaultRangeProver{}, net.Endpoint(identities[i].ID), snowball.EventSink{})
	}
	silentIdentity := snowball.Identity{SigningSecret: identities[2].Secret, SigningPublic: identities[2].Public}
	silent := snowball.NewSession(snowball.DefaultParams(), silentIdentity, identities[2].ID, primitives.DefaultRangeProver{}, deadTransport{}, snowball.EventSink{})

	for _, sess := range live {
		require.NoError(t, sess.BeginRound(ctx, poolMembersWithoutInputs(members), nil, snowball.SessionID{}, 0))
	}
	require.NoError(t, silent.BeginRound(ctx, poolMembersWithoutInputs(members), nil, snowball.SessionID{}, 0))

	runUntilQuiescent(t, ctx, live, net, liveMembers, 10)

	for _, sess := range live {
		assert.Equal(t, snowball.SharedKeying, sess.Phase(), "must still be waiting on the silent member")
	}

	for _, sess := range live {
		sess.HandleTimeout()
		assert.Equal(t, snowball.PoolRestart, sess.Phase())
		restartMembers := sess.RestartMembers()
		assert.False(t, restartMembers.Contains(identities[2].ID), "the silent participant must be excluded from the retry set")
		assert.True(t, restartMembers.Contains(identities[0].ID))
		assert.True(t, restartMembers.Contains(identities[1].ID))
	}
}
