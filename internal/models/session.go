package models

import (
	"net/netip"
	"time"
)

type SessionState string

const (
	StateProvisioning SessionState = "provisioning"
	StateActive       SessionState = "active"
	StateIdle         SessionState = "idle"
	StateTerminating  SessionState = "terminating"
	StateTerminated   SessionState = "terminated"
)

const (
	MinIdleTimeout = 1 * time.Minute
	MaxIdleTimeout = 1440 * time.Minute

	MaxLastErrorLen = 512
)

// legalTransitions is the full transition table. Anything not listed here
// is rejected with InvalidTransitionError, including repeated termination.
var legalTransitions = map[SessionState][]SessionState{
	StateProvisioning: {StateActive, StateTerminated},
	StateActive:       {StateIdle, StateTerminating},
	StateIdle:         {StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s SessionState) NextStates() []SessionState {
	return legalTransitions[s]
}

func (s SessionState) Terminal() bool {
	return s == StateTerminated
}

// Live reports whether the session still occupies resources for
// quota purposes (an address, a ledger slot, or a pending slot).
func (s SessionState) Live() bool {
	switch s {
	case StateProvisioning, StateActive, StateIdle:
		return true
	}
	return false
}

type Session struct {
	ID      string
	OwnerID string
	State   SessionState

	Addr        netip.Addr
	EndpointRef string

	IdleTimeout time.Duration
	Attempts    uint

	LastError string

	CreatedAt      time.Time
	LastActivityAt time.Time
	TerminatedAt   time.Time
}

func NewSession(id, ownerID string, idleTimeout time.Duration, now time.Time) Session {
	return Session{
		ID:             id,
		OwnerID:        ownerID,
		State:          StateProvisioning,
		IdleTimeout:    idleTimeout,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func (s Session) IdleDeadline() time.Time {
	return s.LastActivityAt.Add(s.IdleTimeout)
}

// SetLastError truncates to the bounded column width.
func (s *Session) SetLastError(msg string) {
	if len(msg) > MaxLastErrorLen {
		msg = msg[:MaxLastErrorLen]
	}
	s.LastError = msg
}
