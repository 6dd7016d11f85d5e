package snowball_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/snowball/internal/test"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/protocols/snowball"
)

func TestDeriveSessionIDAgreesAcrossParticipants(t *testing.T) {
	identities, err := test.PartyIDs(4)
	require.NoError(t, err)
	members := test.IDList(identities)

	var prev snowball.SessionID
	a := snowball.DeriveSessionID(prev, 0, members)
	b := snowball.DeriveSessionID(prev, 0, members)
	assert.Equal(t, a, b, "two honest derivations from identical inputs must agree")

	shuffled := make(party.List, len(members))
	copy(shuffled, members)
	shuffled[0], shuffled[1] = shuffled[1], shuffled[0]
	c := snowball.DeriveSessionID(prev, 0, shuffled)
	assert.Equal(t, a, c, "ordering must not affect the derived session id")
}

func TestDeriveSessionIDChangesAcrossRounds(t *testing.T) {
	identities, err := test.PartyIDs(3)
	require.NoError(t, err)
	members := test.IDList(identities)

	var prev snowball.SessionID
	round0 := snowball.DeriveSessionID(prev, 0, members)
	round1 := snowball.DeriveSessionID(round0, 1, members)
	assert.NotEqual(t, round0, round1)
}

func TestRoundNonceChangesWithSessionID(t *testing.T) {
	identities, err := test.PartyIDs(3)
	require.NoError(t, err)
	self := identities[0]
	members := test.IDList(identities)

	var prev snowball.SessionID
	sid0 := snowball.DeriveSessionID(prev, 0, members)
	sid1 := snowball.DeriveSessionID(sid0, 1, members)

	k0, K0 := snowball.DeriveRoundNonce(sid0, self.Secret)
	k1, K1 := snowball.DeriveRoundNonce(sid1, self.Secret)

	assert.False(t, k0.Equal(k1), "two distinct sessions must never reuse a Schnorr nonce")
	assert.False(t, K0.Equal(K1))
}

func TestSelectLeaderIsDeterministic(t *testing.T) {
	identities, err := test.PartyIDs(5)
	require.NoError(t, err)
	members := test.IDList(identities)

	a := snowball.SelectLeader(members)
	b := snowball.SelectLeader(members)
	assert.True(t, a.Equal(b), "leader selection must be a pure function of the member set")
}
