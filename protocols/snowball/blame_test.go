package snowball

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// blameScenario builds a full commit-phase pool's ephemeral keys, cloaked
// matrices and scalars, claimed inputs, and partial signatures, ready to
// drive runBlameDiscovery via blameContext.
type blameScenario struct {
	sessionID        SessionID
	commitPhase      party.List
	revealed         map[string]*curve.Scalar
	ephemeralPublics map[string]*curve.Point
	openings         map[string]CloakedValsPayload
	memberInputs     map[string][]txmodel.TxIn
	partials         map[string]*curve.Scalar
	nonceCommitments map[string]*curve.Point
	outputs          []*txmodel.ProposedUTXO
	inputs           []txmodel.TxIn
	aggFee           int64
	maxUTXOs         int
}

func (bs blameScenario) context(prover primitives.RangeProver, blameOnUnparseableRow bool) blameContext {
	return blameContext{
		sessionID:             bs.sessionID,
		commitPhase:           bs.commitPhase,
		maxUTXOs:              bs.maxUTXOs,
		blameOnUnparseableRow: blameOnUnparseableRow,
		revealed:              bs.revealed,
		ephemeralPublics:      bs.ephemeralPublics,
		openings:              bs.openings,
		memberInputs:          bs.memberInputs,
		partials:              bs.partials,
		nonceCommitments:      bs.nonceCommitments,
		prover:                prover,
		inputs:                bs.inputs,
		outputs:               bs.outputs,
		aggFee:                bs.aggFee,
	}
}

// buildBlameScenario gives every participant a claimed input whose
// commitment is constructed to exactly balance its own outputs and
// gamma_adj correction, so an honest participant always clears the
// zero-balance check regardless of which output amounts the test picks,
// and signs a genuine partial signature share under its own identity key
// over the shared round challenge, so an honest participant always
// clears the partial-signature check too.
func buildBlameScenario(t *testing.T, participants []dicemixParticipant) blameScenario {
	t.Helper()
	params := DefaultParams()

	var members party.List
	for _, p := range participants {
		members = append(members, p.id)
	}
	sorted := members.Sorted()

	var sessionID SessionID
	copy(sessionID[:], []byte("blame-discovery-test-session-id"))

	ephemeralSecrets := make(map[string]*curve.Scalar, len(participants))
	ephemeralPublics := make(map[string]*curve.Point, len(participants))
	for _, p := range participants {
		ephemeralSecrets[idKey(p.id)] = p.secret
		ephemeralPublics[idKey(p.id)] = p.public
	}

	pairSecret := func(p dicemixParticipant, peer party.ID) []byte {
		return computeCloakSecret(p.secret, ephemeralPublics[idKey(peer)])
	}

	openings := make(map[string]CloakedValsPayload, len(participants))
	memberInputs := make(map[string][]txmodel.TxIn, len(participants))
	var allOutputs []*txmodel.ProposedUTXO
	var allInputs []txmodel.TxIn

	for _, p := range participants {
		m, err := buildOwnMatrix(params, sorted, p.id, p.outputs)
		require.NoError(t, err)
		for _, peer := range participants {
			if peer.id.Equal(p.id) {
				continue
			}
			cloakMatrix(m, pairSecret(p, peer.id), sessionID)
		}

		gammaAdj := curve.NewScalar()
		for _, out := range p.outputs {
			gammaAdj = gammaAdj.Sub(out.Gamma)
		}
		fee := curve.NewScalar()

		cloakedGamma := gammaAdj
		cloakedFee := fee
		for _, peer := range participants {
			if peer.id.Equal(p.id) {
				continue
			}
			secret := pairSecret(p, peer.id)
			cloakedGamma = cloakedGamma.Add(cloakScalar(secret, sessionID, "gamma_adj", p.id, peer.id))
			cloakedFee = cloakedFee.Add(cloakScalar(secret, sessionID, "fee", p.id, peer.id))
		}

		openings[idKey(p.id)] = CloakedValsPayload{
			Matrix:           append([][]byte(nil), m.rows...),
			CloakedGammaAdj:  cloakedGamma.Bytes(),
			CloakedFee:       cloakedFee.Bytes(),
			CloaksForDropped: map[string][]byte{},
		}

		inputCommitment := curve.NewPoint()
		for _, out := range p.outputs {
			inputCommitment = inputCommitment.Add(primitives.Commit(out.Gamma, out.Amount))
		}
		inputCommitment = inputCommitment.Add(primitives.Commit(gammaAdj, feeSumFromScalar(fee)))
		in := txmodel.TxIn{Body: txmodel.UTXOBody{Commitment: inputCommitment}}
		memberInputs[idKey(p.id)] = []txmodel.TxIn{in}
		allInputs = append(allInputs, in)
		allOutputs = append(allOutputs, p.outputs...)
	}

	nonceSecrets := make(map[string]*curve.Scalar, len(participants))
	nonceCommitments := make(map[string]*curve.Point, len(participants))
	for _, p := range participants {
		k, err := curve.RandomScalar(rand.Reader)
		require.NoError(t, err)
		nonceSecrets[idKey(p.id)] = k
		nonceCommitments[idKey(p.id)] = k.ActOnBase()
	}

	aggNonce := curve.NewPoint()
	for _, p := range participants {
		aggNonce = aggNonce.Add(nonceCommitments[idKey(p.id)])
	}
	transcript := buildTranscript(allInputs, allOutputs, 0)
	challenge := primitives.Challenge(transcript, aggNonce)

	partials := make(map[string]*curve.Scalar, len(participants))
	for _, p := range participants {
		partials[idKey(p.id)] = primitives.PartialSign(nonceSecrets[idKey(p.id)], p.secret, challenge)
	}

	return blameScenario{
		sessionID:        sessionID,
		commitPhase:      sorted,
		revealed:         ephemeralSecrets,
		ephemeralPublics: ephemeralPublics,
		openings:         openings,
		memberInputs:     memberInputs,
		partials:         partials,
		nonceCommitments: nonceCommitments,
		outputs:          allOutputs,
		inputs:           allInputs,
		aggFee:           0,
		maxUTXOs:         params.MaxUTXOs,
	}
}

func TestBlameDiscoveryClearsHonestParticipants(t *testing.T) {
	participants := []dicemixParticipant{
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 100)}),
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 200)}),
		newDicemixParticipant(t, nil),
	}
	scenario := buildBlameScenario(t, participants)

	culprits := runBlameDiscovery(scenario.context(primitives.DefaultRangeProver{}, false))
	assert.Empty(t, culprits, "no participant tampered, blame discovery must clear everyone")
}

func TestBlameDiscoveryFindsTamperedMatrix(t *testing.T) {
	participants := []dicemixParticipant{
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 100)}),
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 200)}),
		newDicemixParticipant(t, nil),
	}
	scenario := buildBlameScenario(t, participants)

	tampered := participants[0].id
	key := idKey(tampered)
	idx := scenario.commitPhase.Index(tampered)
	start, _ := slotRange(idx, scenario.maxUTXOs)
	payload := scenario.openings[key]
	mutated := append([][]byte(nil), payload.Matrix...)
	row := append([]byte(nil), mutated[start]...)
	row[0] ^= 0xFF
	mutated[start] = row
	payload.Matrix = mutated
	scenario.openings[key] = payload

	culprits := runBlameDiscovery(scenario.context(primitives.DefaultRangeProver{}, false))
	require.Len(t, culprits, 1, "exactly the tampered participant must be blamed")
	assert.True(t, culprits[0].Equal(tampered))
}

func TestBlameDiscoveryFlagsMissingReveal(t *testing.T) {
	participants := []dicemixParticipant{
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 50)}),
		newDicemixParticipant(t, nil),
	}
	scenario := buildBlameScenario(t, participants)

	silent := participants[1].id
	delete(scenario.revealed, idKey(silent))

	culprits := runBlameDiscovery(scenario.context(primitives.DefaultRangeProver{}, false))
	require.Len(t, culprits, 1)
	assert.True(t, culprits[0].Equal(silent))
}

// TestBlameDiscoveryFindsBadRangeProofOutput covers the case where a
// participant's own output amount is negative — a value that cancels
// perfectly in Pedersen commitment arithmetic but fails the standalone
// range-proof check, the one check checkZeroBalance alone cannot catch
// (§4.6 step 3(b)).
func TestBlameDiscoveryFindsBadRangeProofOutput(t *testing.T) {
	cheaterOut := randomOutput(t, -1)
	participants := []dicemixParticipant{
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{randomOutput(t, 100)}),
		newDicemixParticipant(t, []*txmodel.ProposedUTXO{cheaterOut}),
		newDicemixParticipant(t, nil),
	}
	scenario := buildBlameScenario(t, participants)

	culprits := runBlameDiscovery(scenario.context(primitives.DefaultRangeProver{}, false))
	require.Len(t, culprits, 1, "the participant with the negative-amount output must be blamed")
	assert.True(t, culprits[0].Equal(participants[1].id))
}
