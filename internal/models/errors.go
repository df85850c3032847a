package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// ErrAddrInUse is returned by allocation repositories when another live
// allocation already holds the address (first writer wins).
var ErrAddrInUse = errors.New("address already allocated")

// ErrOwnerSessionExists is returned by session stores when the owner
// already holds a provisioning or active session. The store enforces
// this uniqueness so two concurrent starts cannot both slip past the
// supersede scan.
var ErrOwnerSessionExists = errors.New("owner already has a live session")

// ValidationError is the caller's fault and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports a state-machine violation. It always
// carries the observed state and the set of states reachable from it so
// the caller can refresh and diagnose instead of guessing.
type InvalidTransitionError struct {
	SessionID string
	Current   SessionState
	Requested SessionState
	Allowed   []SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"session %s: illegal transition %s -> %s (allowed: %v)",
		e.SessionID, e.Current, e.Requested, e.Allowed,
	)
}

func NewInvalidTransition(sessionID string, current, requested SessionState) *InvalidTransitionError {
	return &InvalidTransitionError{
		SessionID: sessionID,
		Current:   current,
		Requested: requested,
		Allowed:   current.NextStates(),
	}
}

type CapacityScope string

const (
	ScopeOwner       CapacityScope = "owner"
	ScopeComputeUnit CapacityScope = "compute-units"
	ScopeSession     CapacityScope = "sessions"
	ScopeAddressPool CapacityScope = "address-pool"
)

// CapacityExceededError tells the caller to back off; RetryAfter is the
// hint to surface in the transport layer.
type CapacityExceededError struct {
	Scope      CapacityScope
	Limit      int
	RetryAfter time.Duration
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s ceiling %d reached", e.Scope, e.Limit)
}

// PoolExhaustedError means no free address remains in the pool. Callers
// treat it exactly like a capacity error.
type PoolExhaustedError struct {
	PoolSize int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("address pool exhausted: all %d addresses in use", e.PoolSize)
}

// TransientProviderError marks a provider failure worth retrying
// (throttling, timeouts, temporary quota).
type TransientProviderError struct {
	Cause error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Cause)
}

func (e *TransientProviderError) Unwrap() error { return e.Cause }

// FatalProviderError stops the retry driver immediately.
type FatalProviderError struct {
	Cause error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("fatal provider error: %v", e.Cause)
}

func (e *FatalProviderError) Unwrap() error { return e.Cause }

func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// TerminationPendingError reports a deprovision call that outran its
// wall-clock ceiling. The session stays in terminating and the ledger
// keeps the slot; the caller retries the stop or polls status.
type TerminationPendingError struct {
	SessionID  string
	RetryAfter time.Duration
	Cause      error
}

func (e *TerminationPendingError) Error() string {
	return fmt.Sprintf("termination of session %s still in progress: %v", e.SessionID, e.Cause)
}

func (e *TerminationPendingError) Unwrap() error { return e.Cause }

// RetriesExhaustedError is the boundary between internal retry and
// caller-facing backoff: surfaced only after the driver gave up.
type RetriesExhaustedError struct {
	Attempts   uint
	RetryAfter time.Duration
	Last       error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("provisioning exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }
