package snowball

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/party"
	"github.com/luxfi/snowball/pkg/primitives"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// Phase is one state of the session state machine (§4 "Phases").
type Phase int

const (
	PoolWait Phase = iota
	PoolFormed
	SharedKeying
	Commitment
	CloakedVals
	Signature
	SecretKeying
	PoolFinished
	PoolRestart
)

func (p Phase) String() string {
	switch p {
	case PoolWait:
		return "PoolWait"
	case PoolFormed:
		return "PoolFormed"
	case SharedKeying:
		return "SharedKeying"
	case Commitment:
		return "Commitment"
	case CloakedVals:
		return "CloakedVals"
	case Signature:
		return "Signature"
	case SecretKeying:
		return "SecretKeying"
	case PoolFinished:
		return "PoolFinished"
	case PoolRestart:
		return "PoolRestart"
	default:
		return "Unknown"
	}
}

// Transport is the narrow send surface a Session needs; the concrete
// websocket and in-memory implementations live in internal/transport.
type Transport interface {
	Broadcast(ctx context.Context, env *Envelope) error
	Send(ctx context.Context, to party.ID, env *Envelope) error
}

// EventSink receives optional observability callbacks. A nil field is
// always safe to call through Session's unexported emit helper.
type EventSink struct {
	OnPhase   func(Phase)
	OnExclude func(party.ID, error)
	OnRestart func(reason error)
}

// Session drives one wallet's participation in a single mixing attempt
// end to end: pool formation through either a finished joint transaction
// or a restart with a narrowed participant set (§4, §5).
//
// Unlike the teacher's MultiHandler, which advances strictly round by
// round, Session's phases are keyed by message Kind rather than a
// monotonic round number, since DiceMix phases are not interchangeable
// steps of one loop but distinct exchanges with different payload
// shapes and a conditional final phase (SecretKeying only runs when
// Signature fails).
type Session struct {
	mtx sync.Mutex

	params   Params
	identity Identity
	prover   primitives.RangeProver
	tr       Transport
	sink     EventSink

	self        party.ID
	prevSession SessionID
	round       uint64

	phase     Phase
	sessionID SessionID

	commitPhase party.List // membership once SharedKeying opened
	excluded    party.List

	ephemeralSecret *curve.Scalar
	ephemeralPublic *curve.Point
	roundNonce      *curve.Scalar
	roundNonceK     *curve.Point

	ephemeralPublics map[string]*curve.Point
	ephemeralSecrets map[string]*curve.Scalar // revealed during SecretKeying only
	nonceCommitments map[string]*curve.Point  // per-member Schnorr nonce commitment K_i

	commits      *commitBook
	inputs       []txmodel.TxIn            // every commit-phase member's claimed inputs, union'd
	memberInputs map[string][]txmodel.TxIn // member key -> that member's own claimed inputs
	outputs      []*txmodel.ProposedUTXO
	partials     map[string]*curve.Scalar

	ownMatrix       *matrix
	ownCloakedGamma *curve.Scalar
	ownCloakedFee   *curve.Scalar

	aggGammaAdj *curve.Scalar
	aggFee      int64

	pending map[Phase][]*Envelope
}

// NewSession constructs a session ready to join a pool. No round-keyed
// exchange begins until the caller passes the announced membership to
// BeginRound.
func NewSession(params Params, identity Identity, self party.ID, prover primitives.RangeProver, tr Transport, sink EventSink) *Session {
	return &Session{
		params:   params,
		identity: identity,
		prover:   prover,
		tr:       tr,
		sink:     sink,
		self:     self,
		phase:    PoolWait,
		partials: make(map[string]*curve.Scalar),
		pending:  make(map[Phase][]*Envelope),
	}
}

func (s *Session) emitPhase(p Phase) {
	if s.sink.OnPhase != nil {
		s.sink.OnPhase(p)
	}
}

func (s *Session) emitExclude(id party.ID, err error) {
	if s.sink.OnExclude != nil {
		s.sink.OnExclude(id, err)
	}
}

func (s *Session) emitRestart(err error) {
	if s.sink.OnRestart != nil {
		s.sink.OnRestart(err)
	}
}

// BeginRound starts the SharedKeying exchange for a freshly announced
// pool membership (§4.1 step 4 → §4.2). members carries every
// participant's own claimed inputs, not just this wallet's own, since the joint transaction's signed transcript and
// blame discovery's per-participant balance checks both need the whole
// pool's inputs attributed to their owners (§4.5 step 5, §4.6 step 3).
// BeginRound takes members as given: it does not check their ownership
// signatures, and neither Session nor any caller in this module runs
// verifyPoolMembership on them.
// prevSession is the zero value for the pool's first round and the
// previous round's session id on any retry (§4.2 step 2).
func (s *Session) BeginRound(ctx context.Context, members []PoolMember, proposed []*txmodel.ProposedUTXO, prevSession SessionID, round uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ids := make(party.List, len(members))
	memberInputs := make(map[string][]txmodel.TxIn, len(members))
	var allInputs []txmodel.TxIn
	for i, m := range members {
		ids[i] = m.ID
		memberInputs[idKey(m.ID)] = m.TxIns
		allInputs = append(allInputs, m.TxIns...)
	}

	if err := requireSelfMember(s.self, members); err != nil {
		return &SessionError{Err: err, Participants: ids}
	}
	if len(ids) < 3 {
		return &SessionError{Err: ErrTooFewParticipants, Participants: ids}
	}
	if len(proposed) > s.params.MaxUTXOs {
		return fmt.Errorf("snowball: %d proposed outputs exceeds the %d slot cap", len(proposed), s.params.MaxUTXOs)
	}

	s.prevSession = prevSession
	s.round = round
	s.commitPhase = ids.Sorted()
	s.excluded = nil
	s.commits = newCommitBook()
	s.outputs = proposed
	s.partials = make(map[string]*curve.Scalar)
	s.ephemeralPublics = make(map[string]*curve.Point)
	s.ephemeralSecrets = make(map[string]*curve.Scalar)
	s.nonceCommitments = make(map[string]*curve.Point)
	s.inputs = allInputs
	s.memberInputs = memberInputs

	s.sessionID = DeriveSessionID(prevSession, round, s.commitPhase)
	s.roundNonce, s.roundNonceK = DeriveRoundNonce(s.sessionID, s.identity.SigningSecret)
	s.ephemeralSecret, s.ephemeralPublic = DeriveEphemeralKeypair(s.sessionID, s.identity.SigningSecret)
	s.ephemeralPublics[idKey(s.self)] = s.ephemeralPublic
	s.nonceCommitments[idKey(s.self)] = s.roundNonceK

	s.phase = SharedKeying
	s.emitPhase(SharedKeying)

	payload, err := encodePayload(newSharedKeying(s.ephemeralPublic, s.roundNonceK))
	if err != nil {
		return err
	}
	return s.tr.Broadcast(ctx, &Envelope{SessionID: s.sessionID, Source: s.self.Bytes(), Kind: KindSharedKeying, Payload: payload})
}

// Deliver routes one inbound envelope to the handler for its Kind,
// queuing it if it names a phase the session has not reached yet and
// discarding it if it belongs to a phase already passed or a different
// session id (§9 "Effect polymorphism over message kinds").
func (s *Session) Deliver(ctx context.Context, env *Envelope) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if env.SessionID != s.sessionID {
		return nil
	}
	target := phaseForKind(env.Kind)
	if target > s.phase {
		s.pending[target] = append(s.pending[target], env)
		return nil
	}
	if target < s.phase {
		return nil
	}
	return s.handleLocked(ctx, env)
}

// drainPending replays any envelopes that arrived for the phase the
// session has just entered before Deliver had anywhere to put them
// (§9 "Effect polymorphism over message kinds" — a message for a future
// phase is buffered, not dropped).
func (s *Session) drainPending(ctx context.Context) error {
	queued := s.pending[s.phase]
	delete(s.pending, s.phase)
	for _, env := range queued {
		if err := s.handleLocked(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func phaseForKind(k Kind) Phase {
	switch k {
	case KindSharedKeying:
		return SharedKeying
	case KindCommitment:
		return Commitment
	case KindCloakedVals:
		return CloakedVals
	case KindSignature:
		return Signature
	case KindSecretKeying:
		return SecretKeying
	default:
		return PoolWait
	}
}

func (s *Session) handleLocked(ctx context.Context, env *Envelope) error {
	source := string(env.Source)
	live := false
	for _, id := range s.commitPhase.Without(s.excluded...) {
		if idKey(id) == source {
			live = true
			break
		}
	}
	if !live {
		return nil
	}
	switch env.Kind {
	case KindSharedKeying:
		var p SharedKeyingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		pkey, k, err := p.points()
		if err != nil {
			return err
		}
		s.ephemeralPublics[source] = pkey
		s.nonceCommitments[source] = k
		return nil
	case KindCommitment:
		var p CommitmentPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		s.commits.addCommitment(source, p.Cmt)
		return nil
	case KindCloakedVals:
		var p CloakedValsPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if !s.commits.addOpening(source, p, s.excluded) {
			s.dropSender(source, fmt.Errorf("snowball: invalid CloakedVals opening"))
		}
		return nil
	case KindSignature:
		var p SignaturePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		s.partials[source] = curve.ScalarFromBytes(p.U)
		return nil
	case KindSecretKeying:
		var p SecretKeyingPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		s.ephemeralSecrets[source] = curve.ScalarFromBytes(p.Secret)
		return nil
	default:
		return fmt.Errorf("snowball: unknown message kind %d", env.Kind)
	}
}

// AdvancePhase checks whether the current phase's exchange is complete
// (every commit-phase member, minus any already excluded, has been
// heard from) and if so runs that phase's transition, broadcasting the
// next phase's outbound message. Callers invoke this after every
// Deliver and on every round-timeout tick (§5 "Phase transition
// triggers").
func (s *Session) AdvancePhase(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.phase {
	case SharedKeying:
		if !s.everyLiveMember(len(s.ephemeralPublics)) {
			return nil
		}
		return s.enterCommitment(ctx)
	case Commitment:
		if !s.everyLiveMember(len(s.commits.commitments)) {
			return nil
		}
		return s.enterCloakedVals(ctx)
	case CloakedVals:
		if !s.everyLiveMember(len(s.commits.opened)) {
			return nil
		}
		return s.enterSignature(ctx)
	case Signature:
		if !s.everyLiveMember(len(s.partials)) {
			return nil
		}
		return s.finishOrBlame(ctx)
	case SecretKeying:
		if !s.everyLiveMember(len(s.ephemeralSecrets)) {
			return nil
		}
		return s.finishBlame(ctx)
	default:
		return nil
	}
}

// everyLiveMember reports whether a per-phase collection has received
// one entry from every commit-phase member not yet excluded. Each
// collection is keyed by idKey, so counting suffices once a send is
// only ever accepted from a known live member (Deliver already checked
// SessionID, and handleLocked ignores any Source that is not a live
// commit-phase member).
func (s *Session) everyLiveMember(count int) bool {
	return count >= len(s.commitPhase.Without(s.excluded...))
}

// dropSender excludes the commit-phase member whose idKey is key,
// treating a message that failed validation as if its sender had gone
// silent, matching the protocol's "exclude, don't abort" philosophy
// (§4.4 step 3, §7).
func (s *Session) dropSender(key string, reason error) {
	for _, id := range s.excluded {
		if idKey(id) == key {
			return
		}
	}
	for _, id := range s.commitPhase {
		if idKey(id) == key {
			s.excluded = append(s.excluded, id)
			s.emitExclude(id, reason)
			return
		}
	}
}

func (s *Session) enterCommitment(ctx context.Context) error {
	s.phase = Commitment
	s.emitPhase(Commitment)
	if err := s.drainPending(ctx); err != nil {
		return err
	}

	built, err := buildOwnMatrix(s.params, s.commitPhase, s.self, s.outputs)
	if err != nil {
		return err
	}
	s.cloakOwnMatrix(built)

	// gammaAdj is the blinding correction this participant owes the
	// joint transaction: the negative sum of its own proposed outputs'
	// blinding factors, so that once every member's contribution is
	// summed the whole Pedersen balance closes (§4.3 step 6). fee is the
	// member's flat share of the negotiated transaction fee.
	gammaAdj := curve.NewScalar()
	for _, out := range s.outputs {
		gammaAdj = gammaAdj.Sub(out.Gamma)
	}
	fee := curve.ScalarFromBytes(encodeFee(s.params.FeePerParticipant))
	cloakedGamma := s.cloakOwnScalars(gammaAdj, "gamma_adj")
	cloakedFee := s.cloakOwnScalars(fee, "fee")
	s.ownMatrix = built
	s.ownCloakedGamma = cloakedGamma
	s.ownCloakedFee = cloakedFee

	cmt := computeCommitment(built, cloakedGamma.Bytes(), cloakedFee.Bytes())
	s.commits.addCommitment(idKey(s.self), cmt)
	payload, err := encodePayload(CommitmentPayload{Cmt: cmt})
	if err != nil {
		return err
	}
	return s.tr.Broadcast(ctx, &Envelope{SessionID: s.sessionID, Source: s.self.Bytes(), Kind: KindCommitment, Payload: payload})
}

func (s *Session) enterCloakedVals(ctx context.Context) error {
	s.phase = CloakedVals
	s.emitPhase(CloakedVals)
	if err := s.drainPending(ctx); err != nil {
		return err
	}

	cloaksForDropped := make(map[string][]byte)
	for _, ex := range s.excluded {
		if secret, ok := s.pairSecret(ex); ok {
			cloaksForDropped[idKey(ex)] = secret
		}
	}
	payload := CloakedValsPayload{
		Matrix:           s.ownMatrix.rows,
		CloakedGammaAdj:  s.ownCloakedGamma.Bytes(),
		CloakedFee:       s.ownCloakedFee.Bytes(),
		CloaksForDropped: cloaksForDropped,
	}
	s.commits.addOpening(idKey(s.self), payload, s.excluded)
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return s.tr.Broadcast(ctx, &Envelope{SessionID: s.sessionID, Source: s.self.Bytes(), Kind: KindCloakedVals, Payload: body})
}

func (s *Session) enterSignature(ctx context.Context) error {
	s.phase = Signature
	s.emitPhase(Signature)
	if err := s.drainPending(ctx); err != nil {
		return err
	}

	rows := assembleMatrix(s.params, s.sessionID, s.commitPhase, s.excluded, s.commits.opened)
	outputs, diagnostics := decodeOutputs(s.params, s.commitPhase, rows)
	s.outputs = outputs
	if s.params.BlameOnUnparseableRow {
		for _, d := range diagnostics {
			if d.err != nil && !rowIsZero(d.row) {
				s.dropSender(idKey(d.owner), fmt.Errorf("snowball: unparseable output row: %w", d.err))
			}
		}
	}

	gammaValues := make(map[string]*curve.Scalar, len(s.commits.opened))
	feeValues := make(map[string]*curve.Scalar, len(s.commits.opened))
	for _, owner := range s.commitPhase {
		key := idKey(owner)
		opened, ok := s.commits.opened[key]
		if !ok {
			continue
		}
		gammaValues[key] = curve.ScalarFromBytes(opened.CloakedGammaAdj)
		feeValues[key] = curve.ScalarFromBytes(opened.CloakedFee)
		for _, ex := range s.excluded {
			if secret, ok := opened.CloaksForDropped[idKey(ex)]; ok {
				gammaValues[key] = gammaValues[key].Sub(cloakScalar(secret, s.sessionID, "gamma_adj", owner, ex))
				feeValues[key] = feeValues[key].Sub(cloakScalar(secret, s.sessionID, "fee", owner, ex))
			}
		}
	}
	s.aggGammaAdj = decloakScalarSum(gammaValues)
	s.aggFee = feeSumFromScalar(decloakScalarSum(feeValues))

	aggR := s.aggregateNonce()
	transcript := buildTranscript(s.inputs, outputs, s.aggFee)
	challenge := primitives.Challenge(transcript, aggR)
	u := primitives.PartialSign(s.roundNonce, s.identity.SigningSecret, challenge)
	s.partials[idKey(s.self)] = u

	body, err := encodePayload(SignaturePayload{U: u.Bytes()})
	if err != nil {
		return err
	}
	return s.tr.Broadcast(ctx, &Envelope{SessionID: s.sessionID, Source: s.self.Bytes(), Kind: KindSignature, Payload: body})
}

// aggregateNonce sums the Schnorr nonce commitments K_i every live
// commit-phase member published during SharedKeying, forming the R
// component of the composite signature (§4.5 step 5).
func (s *Session) aggregateNonce() *curve.Point {
	r := curve.NewPoint()
	for _, id := range s.commitPhase.Without(s.excluded...) {
		if k, ok := s.nonceCommitments[idKey(id)]; ok {
			r = r.Add(k)
		}
	}
	return r
}

// aggregatePublicKey sums the long-term network public keys of every
// live commit-phase member, the verification key the composite
// signature must validate against.
func (s *Session) aggregatePublicKey() (*curve.Point, error) {
	sum := curve.NewPoint()
	for _, id := range s.commitPhase.Without(s.excluded...) {
		pub, err := curve.PointFromBytes(id.NetworkKey)
		if err != nil {
			return nil, fmt.Errorf("snowball: member network key: %w", err)
		}
		sum = sum.Add(pub)
	}
	return sum, nil
}

func (s *Session) finishOrBlame(ctx context.Context) error {
	roundFailed := func() error {
		aggPub, err := s.aggregatePublicKey()
		if err != nil {
			return err
		}
		transcript := buildTranscript(s.inputs, s.outputs, s.aggFee)
		sig := &primitives.Signature{R: s.aggregateNonce(), U: decloakScalarSum(s.partials)}
		if !primitives.Validate(sig, transcript, aggPub) {
			return fmt.Errorf("snowball: composite signature rejected")
		}
		return verifyOutputs(ctx, s.prover, s.outputs)
	}()

	if roundFailed != nil {
		s.phase = SecretKeying
		s.emitPhase(SecretKeying)
		if err := s.drainPending(ctx); err != nil {
			return err
		}
		body, encErr := encodePayload(SecretKeyingPayload{Secret: s.ephemeralSecret.Bytes()})
		if encErr != nil {
			return encErr
		}
		s.ephemeralSecrets[idKey(s.self)] = s.ephemeralSecret
		return s.tr.Broadcast(ctx, &Envelope{SessionID: s.sessionID, Source: s.self.Bytes(), Kind: KindSecretKeying, Payload: body})
	}
	s.phase = PoolFinished
	s.emitPhase(PoolFinished)
	return nil
}

func (s *Session) finishBlame(ctx context.Context) error {
	culprits := runBlameDiscovery(blameContext{
		sessionID:             s.sessionID,
		commitPhase:           s.commitPhase,
		maxUTXOs:              s.params.MaxUTXOs,
		blameOnUnparseableRow: s.params.BlameOnUnparseableRow,
		revealed:              s.ephemeralSecrets,
		ephemeralPublics:      s.ephemeralPublics,
		openings:              s.commits.opened,
		memberInputs:          s.memberInputs,
		partials:              s.partials,
		nonceCommitments:      s.nonceCommitments,
		prover:                s.prover,
		inputs:                s.inputs,
		outputs:               s.outputs,
		aggFee:                s.aggFee,
	})
	for _, c := range culprits {
		s.excluded = append(s.excluded, c)
		s.emitExclude(c, fmt.Errorf("snowball: blamed for invalid aggregate"))
	}
	narrowed := s.commitPhase.Without(s.excluded...)
	s.phase = PoolRestart
	reason := fmt.Errorf("snowball: restarting with %d members after blame", len(narrowed))
	s.emitRestart(reason)
	return nil
}

// pairSecret derives the cloak secret this session shares with peer,
// used to fill CloaksForDropped once peer has been excluded.
func (s *Session) pairSecret(peer party.ID) ([]byte, bool) {
	pub, ok := s.ephemeralPublics[idKey(peer)]
	if !ok {
		return nil, false
	}
	return computeCloakSecret(s.ephemeralSecret, pub), true
}

func (s *Session) cloakOwnMatrix(m *matrix) {
	for _, peer := range s.commitPhase {
		if peer.Equal(s.self) {
			continue
		}
		secret, ok := s.pairSecret(peer)
		if !ok {
			continue
		}
		cloakMatrix(m, secret, s.sessionID)
	}
}

func (s *Session) cloakOwnScalars(v *curve.Scalar, label string) *curve.Scalar {
	sum := v
	for _, peer := range s.commitPhase {
		if peer.Equal(s.self) {
			continue
		}
		secret, ok := s.pairSecret(peer)
		if !ok {
			continue
		}
		sum = sum.Add(cloakScalar(secret, s.sessionID, label, s.self, peer))
	}
	return sum
}

// Phase returns the session's current state, mainly for tests and
// observability.
func (s *Session) Phase() Phase {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.phase
}

// Result returns the finished joint transaction once the session has
// reached PoolFinished, or false if it has not.
func (s *Session) Result() (*txmodel.SuperTransaction, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.phase != PoolFinished {
		return nil, false
	}
	bodies := make([]txmodel.UTXOBody, 0, len(s.outputs))
	for _, out := range s.outputs {
		body, err := out.Build(s.prover)
		if err != nil {
			continue
		}
		bodies = append(bodies, body)
	}
	u := decloakScalarSum(s.partials)
	return &txmodel.SuperTransaction{
		Inputs:    s.inputs,
		Outputs:   bodies,
		Fee:       s.aggFee,
		GammaAdj:  s.aggGammaAdj,
		Signature: &primitives.Signature{R: s.aggregateNonce(), U: u},
	}, true
}

// RestartMembers returns the narrowed participant list a caller should
// retry BeginRound with after a PoolRestart (§5 "retry with a strictly
// smaller set").
func (s *Session) RestartMembers() party.List {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.commitPhase.Without(s.excluded...)
}

// HandleTimeout excludes whichever live members have not yet produced
// this phase's message and moves the session to PoolRestart, since every
// wait state in the core spec is bounded by a per-round timeout rather
// than blocking forever on a member that silently dropped off (§5
// "Phase transition triggers", §7 "Liveness failures").
func (s *Session) HandleTimeout() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	live := s.commitPhase.Without(s.excluded...)
	var late party.List
	for _, id := range live {
		key := idKey(id)
		present := false
		switch s.phase {
		case SharedKeying:
			_, present = s.ephemeralPublics[key]
		case Commitment:
			_, present = s.commits.commitments[key]
		case CloakedVals:
			_, present = s.commits.opened[key]
		case Signature:
			_, present = s.partials[key]
		case SecretKeying:
			_, present = s.ephemeralSecrets[key]
		default:
			present = true
		}
		if !present {
			late = append(late, id)
		}
	}
	for _, id := range late {
		s.excluded = append(s.excluded, id)
		s.emitExclude(id, fmt.Errorf("snowball: timed out waiting for %s", s.phase))
	}
	if len(late) > 0 {
		s.phase = PoolRestart
		s.emitRestart(fmt.Errorf("snowball: restarting after %d timeout(s)", len(late)))
	}
}

// NewSessionSeed samples a fresh per-session seed for a wallet's
// party.ID, used when joining a new pool attempt (§3 "Participant
// identity").
func NewSessionSeed() ([]byte, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
