package snowball

import (
	"errors"
	"fmt"

	"github.com/luxfi/snowball/pkg/party"
)

// Protocol-level errors terminate the session and are returned to the
// caller, per the core spec's error taxonomy (§7 "Protocol-level").
var (
	ErrTooFewParticipants   = errors.New("snowball: fewer than 3 participants remain")
	ErrNotInParticipantList = errors.New("snowball: self missing from announced participant list")
	ErrBadFacilitator       = errors.New("snowball: message from unexpected facilitator")
	ErrTransportFailure     = errors.New("snowball: transport send failed")
)

// SessionError wraps a terminal protocol or transport error together
// with the participant set the session was working with at the time, so
// the caller can retry with a narrowed pool (§7 "paired with the
// original input set so the caller can retry").
type SessionError struct {
	Err          error
	Participants party.List
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s (participants=%d)", e.Err, len(e.Participants))
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// peerFault records a misbehaving or unresponsive participant discovered
// while validating a message. Peer faults are always caught inside the
// state machine and converted into exclusions; they never escape as a
// SessionError (§7 "Propagation policy").
type peerFault struct {
	Culprit party.ID
	Reason  error
}

func (f peerFault) Error() string {
	return fmt.Sprintf("peer %s: %s", f.Culprit, f.Reason)
}
