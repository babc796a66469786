// Package callsession models one phone call from routing to hang-up and
// provides the stores that keep it between the routing request and the
// media connection.
//
// A Session moves strictly forward through
//
//	Routing → Selected → Connected → Ended
//
// Selected becomes Connected once the telephony stream has started and the
// speech side is ready, in either order.
// Ended is terminal. Selecting an agent is allowed from Routing and, for a
// direct re-selection, from Selected; it always clears IVR progress so a
// session never carries both a chosen agent and a pending menu.
package callsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callrelay/internal/tenant"
)

// ErrInvalidTransition is returned when a state change would move a session
// backwards or out of Ended.
var ErrInvalidTransition = errors.New("callsession: invalid state transition")

// ErrNotFound is returned by a Store when no session exists for a call id.
var ErrNotFound = errors.New("callsession: session not found")

// State is the lifecycle position of a Session.
type State string

const (
	StateRouting   State = "routing"
	StateSelected  State = "selected"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Direction of the call relative to the tenant.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Outcome records why a session ended without being relayed, or how a relayed
// call finished.
type Outcome string

const (
	OutcomeTransferred Outcome = "transferred"
	OutcomeVoicemail   Outcome = "voicemail"
	OutcomeRejected    Outcome = "rejected"
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
)

// IVRContext tracks progress through an IVR menu.
type IVRContext struct {
	MenuID   string `json:"menu_id"`
	Attempts int    `json:"attempts"`
}

// Session is the state of one call. Sessions are values owned by whoever
// fetched them from a Store; writes go back through Store.Put.
type Session struct {
	CallID    string         `json:"call_id"`
	Tenant    *tenant.Config `json:"tenant,omitempty"`
	Agent     *tenant.Agent  `json:"agent,omitempty"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Direction Direction      `json:"direction"`
	IVR       *IVRContext    `json:"ivr,omitempty"`
	State     State          `json:"state"`
	Outcome   Outcome        `json:"outcome,omitempty"`

	// Reason carries the reject reason or the transfer destination.
	Reason string `json:"reason,omitempty"`

	RecordID        string    `json:"record_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StreamStartedAt time.Time `json:"stream_started_at,omitzero"`
	SpeechReadyAt   time.Time `json:"speech_ready_at,omitzero"`
	ConnectedAt     time.Time `json:"connected_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
}

// New returns a session in StateRouting.
func New(callID, from, to string, dir Direction, now time.Time) *Session {
	if dir == "" {
		dir = Inbound
	}
	return &Session{
		CallID:    callID,
		From:      from,
		To:        to,
		Direction: dir,
		State:     StateRouting,
		CreatedAt: now,
	}
}

// TenantID returns the attached tenant's id, or "".
func (s *Session) TenantID() string {
	if s.Tenant == nil {
		return ""
	}
	return s.Tenant.ID
}

// AgentID returns the selected agent's id, or "".
func (s *Session) AgentID() string {
	if s.Agent == nil {
		return ""
	}
	return s.Agent.ID
}

// StartIVR records that the caller is being prompted with menu.
func (s *Session) StartIVR(menuID string) error {
	if s.State != StateRouting {
		return fmt.Errorf("%w: start ivr from %s", ErrInvalidTransition, s.State)
	}
	s.IVR = &IVRContext{MenuID: menuID}
	return nil
}

// SelectAgent binds a to the session and clears IVR progress. The agent is
// copied.
func (s *Session) SelectAgent(a *tenant.Agent) error {
	if a == nil {
		return errors.New("callsession: select nil agent")
	}
	if s.State != StateRouting && s.State != StateSelected {
		return fmt.Errorf("%w: select agent from %s", ErrInvalidTransition, s.State)
	}
	cp := *a
	s.Agent = &cp
	s.IVR = nil
	s.State = StateSelected
	return nil
}

// MarkStreamStarted records the telephony stream-start event. A second start
// for the same session is an error.
func (s *Session) MarkStreamStarted(now time.Time) error {
	if s.State != StateSelected || !s.StreamStartedAt.IsZero() {
		return fmt.Errorf("%w: stream start from %s", ErrInvalidTransition, s.State)
	}
	s.StreamStartedAt = now
	s.promote(now)
	return nil
}

// MarkSpeechReady records that the speech endpoint finished its setup.
func (s *Session) MarkSpeechReady(now time.Time) error {
	if s.State != StateSelected || !s.SpeechReadyAt.IsZero() {
		return fmt.Errorf("%w: speech ready from %s", ErrInvalidTransition, s.State)
	}
	s.SpeechReadyAt = now
	s.promote(now)
	return nil
}

func (s *Session) promote(now time.Time) {
	if s.StreamStartedAt.IsZero() || s.SpeechReadyAt.IsZero() {
		return
	}
	s.State = StateConnected
	s.ConnectedAt = now
}

// End moves the session to StateEnded. Ending twice is an error so callers
// notice double finalization.
func (s *Session) End(outcome Outcome, reason string, now time.Time) error {
	if s.State == StateEnded {
		return fmt.Errorf("%w: already ended", ErrInvalidTransition)
	}
	s.State = StateEnded
	s.Outcome = outcome
	s.Reason = reason
	s.IVR = nil
	s.EndedAt = now
	return nil
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Tenant = s.Tenant.Clone()
	if s.Agent != nil {
		a := *s.Agent
		a.BusinessHours.Days = append([]int(nil), s.Agent.BusinessHours.Days...)
		out.Agent = &a
	}
	if s.IVR != nil {
		ivr := *s.IVR
		out.IVR = &ivr
	}
	return &out
}
