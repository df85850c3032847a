package models

import "time"

type AuditKind string

const (
	AuditAdmission   AuditKind = "admission"
	AuditSupersede   AuditKind = "supersede"
	AuditTransition  AuditKind = "transition"
	AuditTermination AuditKind = "termination"
	AuditReaperSweep AuditKind = "reaper-sweep"
)

// AuditEvent records every admission, transition and termination,
// success or failure. The trail is a deliverable of the orchestrator,
// not a debugging aid.
type AuditEvent struct {
	Kind      AuditKind     `json:"kind"`
	OwnerID   string        `json:"owner_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}
