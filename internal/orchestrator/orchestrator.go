package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bravegeek/az-demand-vpn/internal/artifact"
	"github.com/bravegeek/az-demand-vpn/internal/keys"
	"github.com/bravegeek/az-demand-vpn/internal/metrics"
	"github.com/bravegeek/az-demand-vpn/internal/models"
	"github.com/bravegeek/az-demand-vpn/internal/provision"
)

const (
	DefaultIdleTimeout = 30 * time.Minute

	// DeprovisionCeiling bounds a stop call by wall clock, not by a
	// retry count: the caller is already waiting and indefinite retry
	// risks double-billing.
	DeprovisionCeiling = 60 * time.Second

	ownerRetryAfter       = 60 * time.Second
	terminationRetryAfter = 60 * time.Second

	maxOwnerIDLen = 128

	maxCreateAttempts = 3

	SupersededReason = "superseded by new request"
)

// Store is the durable session and quota record store. The orchestrator
// owns the schema and the transition rules; the store only promises
// last-write-wins per key plus the state-guarded update.
type Store interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id string) (models.Session, error)
	ListOwnerSessions(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, error)
	ListSessionsInState(ctx context.Context, state models.SessionState) ([]models.Session, error)
	UpdateSessionGuarded(ctx context.Context, sess models.Session, expect models.SessionState) (bool, error)
	TouchSession(ctx context.Context, id string, at time.Time) (bool, error)
	GetOwnerQuota(ctx context.Context, ownerID string) (models.OwnerQuota, bool, error)
}

type CapacityLedger interface {
	CheckAdmission(ctx context.Context) error
	RecordProvisionSuccess(ctx context.Context, attempts uint) error
	RecordProvisionFailure(ctx context.Context, attempts uint) error
	RecordTermination(ctx context.Context) error
}

type AddressAllocator interface {
	Allocate(ctx context.Context, sessionID string) (netip.Addr, error)
	Release(ctx context.Context, addr netip.Addr) error
}

type ProvisionDriver interface {
	Drive(ctx context.Context, sessionID string, params provision.StartParams, onAttempt func(attempt uint)) (provision.Endpoint, uint, error)
}

type KeyIssuer interface {
	IssueKeyPair(sessionID string) (keys.KeyPair, error)
}

type ArtifactPublisher interface {
	Publish(sessionID string, cfg []byte) (artifact.Handle, error)
}

type AuditRecorder interface {
	Record(event models.AuditEvent)
}

// Orchestrator drives sessions through the lifecycle state machine. It
// is invoked concurrently by request handlers and the idle reaper; every
// transition is validated by a state-guarded write, never by a
// previously read value.
type Orchestrator struct {
	store       Store
	ledger      CapacityLedger
	allocator   AddressAllocator
	driver      ProvisionDriver
	provisioner provision.Provisioner
	keys        KeyIssuer
	artifacts   ArtifactPublisher
	audit       AuditRecorder
	metrics     metrics.Metrics

	clientDNS string

	log zerolog.Logger
}

func New(
	store Store,
	ledger CapacityLedger,
	allocator AddressAllocator,
	driver ProvisionDriver,
	provisioner provision.Provisioner,
	keyIssuer KeyIssuer,
	artifacts ArtifactPublisher,
	auditRec AuditRecorder,
	m metrics.Metrics,
	clientDNS string,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		ledger:      ledger,
		allocator:   allocator,
		driver:      driver,
		provisioner: provisioner,
		keys:        keyIssuer,
		artifacts:   artifacts,
		audit:       auditRec,
		metrics:     m,
		clientDNS:   clientDNS,
		log:         logger,
	}
}

type StartRequest struct {
	OwnerID     string
	IdleTimeout time.Duration
	// SourceAddr is the caller's address, checked against the owner's
	// source restriction when one is configured.
	SourceAddr netip.Addr
}

type StartResult struct {
	Session         models.Session
	ClientPublicKey string
	Config          artifact.Handle
}

// Start admits, provisions and activates a session for the request's
// owner. Any in-flight provisioning session of the same owner is
// superseded first: the newest request always wins.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	began := time.Now().UTC()

	idleTimeout, err := o.validateStart(&req)
	if err != nil {
		o.record(models.AuditAdmission, req.OwnerID, "", "rejected", err, 0)
		return StartResult{}, err
	}
	if err := o.admit(ctx, req); err != nil {
		o.record(models.AuditAdmission, req.OwnerID, "", "rejected", err, 0)
		return StartResult{}, err
	}

	sess, err := o.createSession(ctx, req.OwnerID, idleTimeout, began)
	if err != nil {
		var capacity *models.CapacityExceededError
		if errors.As(err, &capacity) {
			o.record(models.AuditAdmission, req.OwnerID, "", "rejected", err, 0)
		}
		return StartResult{}, err
	}
	o.record(models.AuditAdmission, req.OwnerID, sess.ID, "admitted", nil, 0)
	o.metrics.Increment("sessions.admitted")

	result, err := o.provisionSession(ctx, sess)
	if err != nil {
		return StartResult{}, err
	}
	o.record(models.AuditTransition, req.OwnerID, result.Session.ID, "active", nil, time.Since(began))
	o.metrics.Duration("sessions.provision_time", time.Since(began))
	o.metrics.Increment("sessions.activated")
	return result, nil
}

func (o *Orchestrator) validateStart(req *StartRequest) (time.Duration, error) {
	if req.OwnerID == "" {
		return 0, models.NewValidationError("owner id is required")
	}
	if len(req.OwnerID) > maxOwnerIDLen {
		return 0, models.NewValidationError("owner id longer than %d bytes", maxOwnerIDLen)
	}
	idleTimeout := req.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if idleTimeout < models.MinIdleTimeout || idleTimeout > models.MaxIdleTimeout {
		return 0, models.NewValidationError(
			"idle timeout %s outside [%s, %s]",
			idleTimeout, models.MinIdleTimeout, models.MaxIdleTimeout,
		)
	}
	return idleTimeout, nil
}

func (o *Orchestrator) admit(ctx context.Context, req StartRequest) error {
	quota, found, err := o.store.GetOwnerQuota(ctx, req.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load owner quota: %w", err)
	}
	if !found {
		// Unknown owners get the tightest quota rather than a rejection.
		quota = models.OwnerQuota{OwnerID: req.OwnerID, Active: true, MaxSessions: 1}
	}
	if !quota.Active {
		return models.NewValidationError("owner %s is disabled", req.OwnerID)
	}
	if quota.SourceCIDR != "" && req.SourceAddr.IsValid() {
		allowed, err := netip.ParsePrefix(quota.SourceCIDR)
		if err != nil {
			return fmt.Errorf("owner %s has malformed source restriction %q: %w", req.OwnerID, quota.SourceCIDR, err)
		}
		if !allowed.Contains(req.SourceAddr) {
			return models.NewValidationError("source address %s not allowed for owner %s", req.SourceAddr, req.OwnerID)
		}
	}

	// Provisioning sessions are not counted: they are about to be
	// superseded by this very request.
	settled, err := o.store.ListOwnerSessions(ctx, req.OwnerID, models.StateActive, models.StateIdle)
	if err != nil {
		return fmt.Errorf("failed to list owner sessions: %w", err)
	}
	if len(settled) >= quota.MaxSessions {
		return &models.CapacityExceededError{
			Scope:      models.ScopeOwner,
			Limit:      quota.MaxSessions,
			RetryAfter: ownerRetryAfter,
		}
	}
	return o.ledger.CheckAdmission(ctx)
}

// createSession supersedes the owner's in-flight sessions and inserts
// the new record. The store allows at most one provisioning or active
// session per owner, so a concurrent start that slipped in between the
// supersede scan and the insert surfaces as ErrOwnerSessionExists and
// the scan is re-run; the newest request keeps winning. A conflict that
// survives every retry means the sibling already activated, which is an
// owner-capacity rejection.
func (o *Orchestrator) createSession(ctx context.Context, ownerID string, idleTimeout time.Duration, began time.Time) (models.Session, error) {
	for range maxCreateAttempts {
		if err := o.supersedeInflight(ctx, ownerID); err != nil {
			return models.Session{}, err
		}
		sess := models.NewSession(uuid.NewString(), ownerID, idleTimeout, began)
		err := o.store.CreateSession(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, models.ErrOwnerSessionExists) {
			return models.Session{}, fmt.Errorf("failed to create session record: %w", err)
		}
	}
	return models.Session{}, &models.CapacityExceededError{
		Scope:      models.ScopeOwner,
		Limit:      1,
		RetryAfter: ownerRetryAfter,
	}
}

// supersedeInflight terminates every provisioning session of the owner.
// No deprovision call is needed: nothing in provisioning owns a compute
// unit yet. Losing the guarded write just means someone else already
// moved the session, which is fine.
func (o *Orchestrator) supersedeInflight(ctx context.Context, ownerID string) error {
	inflight, err := o.store.ListOwnerSessions(ctx, ownerID, models.StateProvisioning)
	if err != nil {
		return fmt.Errorf("failed to list in-flight sessions: %w", err)
	}
	for _, stale := range inflight {
		now := time.Now().UTC()
		stale.State = models.StateTerminated
		stale.TerminatedAt = now
		stale.SetLastError(SupersededReason)
		ok, err := o.store.UpdateSessionGuarded(ctx, stale, models.StateProvisioning)
		if err != nil {
			return fmt.Errorf("failed to supersede session %s: %w", stale.ID, err)
		}
		if !ok {
			continue
		}
		if stale.Addr.IsValid() {
			if err := o.allocator.Release(ctx, stale.Addr); err != nil {
				o.log.Error().Err(err).Msgf("failed to release address of superseded session %s", stale.ID)
			}
		}
		o.record(models.AuditSupersede, ownerID, stale.ID, "terminated", nil, 0)
		o.metrics.Increment("sessions.superseded")
	}
	return nil
}

func (o *Orchestrator) provisionSession(ctx context.Context, sess models.Session) (StartResult, error) {
	addr, err := o.allocator.Allocate(ctx, sess.ID)
	if err != nil {
		o.failProvisioning(ctx, sess, 0, err)
		return StartResult{}, err
	}
	sess.Addr = addr
	if ok, err := o.store.UpdateSessionGuarded(ctx, sess, models.StateProvisioning); err != nil || !ok {
		// Superseded before provisioning even started.
		o.releaseAddr(ctx, addr)
		if err != nil {
			return StartResult{}, fmt.Errorf("failed to persist address of session %s: %w", sess.ID, err)
		}
		return StartResult{}, o.refreshedTransitionError(ctx, sess.ID, models.StateActive)
	}

	clientPair, err := o.keys.IssueKeyPair(sess.ID)
	if err != nil {
		o.failProvisioning(ctx, sess, 0, err)
		return StartResult{}, fmt.Errorf("failed to issue client key pair: %w", err)
	}
	serverPair, err := o.keys.IssueKeyPair(sess.ID)
	if err != nil {
		o.failProvisioning(ctx, sess, 0, err)
		return StartResult{}, fmt.Errorf("failed to issue server key pair: %w", err)
	}

	endpoint, attempts, err := o.driver.Drive(ctx, sess.ID, provision.StartParams{
		OwnerID:       sess.OwnerID,
		Addr:          addr,
		ServerKey:     serverPair.PrivateKey,
		PeerPublicKey: clientPair.PublicKey,
		IdleTimeout:   sess.IdleTimeout,
	}, func(attempt uint) {
		o.persistAttempt(ctx, sess, attempt)
	})
	if err != nil {
		if ledgerErr := o.ledger.RecordProvisionFailure(ctx, attempts); ledgerErr != nil {
			o.log.Error().Err(ledgerErr).Msg("failed to record provisioning failure in ledger")
		}
		o.failProvisioning(ctx, sess, attempts, err)
		o.metrics.Increment("sessions.provision_failed")
		return StartResult{}, err
	}

	if err := o.ledger.RecordProvisionSuccess(ctx, attempts); err != nil {
		// Lost the race for the last ledger slot; tear the fresh unit
		// back down.
		o.stopUnit(ctx, sess.ID, endpoint.Ref)
		o.failProvisioning(ctx, sess, attempts, err)
		return StartResult{}, err
	}

	now := time.Now().UTC()
	sess.State = models.StateActive
	sess.EndpointRef = endpoint.Ref
	sess.Attempts = attempts
	sess.LastActivityAt = now
	ok, err := o.store.UpdateSessionGuarded(ctx, sess, models.StateProvisioning)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to activate session %s: %w", sess.ID, err)
	}
	if !ok {
		// Superseded while the unit was starting. Give the slot back and
		// tear the unit down; the newer request owns the owner now. The
		// address was persisted on the record, so the superseder already
		// released it; releasing here again could expire an allocation
		// the address was re-issued into meanwhile.
		if ledgerErr := o.ledger.RecordTermination(ctx); ledgerErr != nil {
			o.log.Error().Err(ledgerErr).Msg("failed to return ledger slot after supersede race")
		}
		o.stopUnit(ctx, sess.ID, endpoint.Ref)
		return StartResult{}, o.refreshedTransitionError(ctx, sess.ID, models.StateActive)
	}

	handle := o.publishConfig(sess, clientPair, serverPair.PublicKey, endpoint)
	return StartResult{
		Session:         sess,
		ClientPublicKey: clientPair.PublicKey,
		Config:          handle,
	}, nil
}

// persistAttempt keeps the durable attempt counter in step with the
// retry driver. A lost guard here means the session was superseded
// mid-drive; the activation guard handles that, so the miss is ignored.
func (o *Orchestrator) persistAttempt(ctx context.Context, sess models.Session, attempt uint) {
	sess.Attempts = attempt
	if _, err := o.store.UpdateSessionGuarded(ctx, sess, models.StateProvisioning); err != nil {
		o.log.Error().Err(err).Msgf("failed to persist attempt %d for session %s", attempt, sess.ID)
	}
}

func (o *Orchestrator) failProvisioning(ctx context.Context, sess models.Session, attempts uint, cause error) {
	now := time.Now().UTC()
	sess.State = models.StateTerminated
	sess.TerminatedAt = now
	sess.Attempts = attempts
	sess.SetLastError(cause.Error())
	ok, err := o.store.UpdateSessionGuarded(ctx, sess, models.StateProvisioning)
	if err != nil {
		o.log.Error().Err(err).Msgf("failed to mark session %s terminated after provisioning failure", sess.ID)
	}
	if ok && sess.Addr.IsValid() {
		o.releaseAddr(ctx, sess.Addr)
	}
	o.record(models.AuditTermination, sess.OwnerID, sess.ID, "provisioning-failed", cause, now.Sub(sess.CreatedAt))
}

// Terminate drives an active or idle session through terminating to
// terminated, releasing its address and ledger slot. A deprovision call
// past the wall-clock ceiling leaves the session in terminating with
// the ledger untouched: undercounting available capacity is the safe
// direction.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID, reason string) (models.Session, error) {
	began := time.Now().UTC()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	from := sess.State
	if !from.CanTransitionTo(models.StateTerminating) {
		terr := models.NewInvalidTransition(sessionID, from, models.StateTerminating)
		o.record(models.AuditTermination, sess.OwnerID, sessionID, "rejected", terr, 0)
		return models.Session{}, terr
	}

	sess.State = models.StateTerminating
	ok, err := o.store.UpdateSessionGuarded(ctx, sess, from)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to move session %s to terminating: %w", sessionID, err)
	}
	if !ok {
		return models.Session{}, o.refreshedTransitionError(ctx, sessionID, models.StateTerminating)
	}
	o.record(models.AuditTransition, sess.OwnerID, sessionID, "terminating", nil, 0)

	if sess.EndpointRef != "" {
		stopCtx, cancel := context.WithTimeout(ctx, DeprovisionCeiling)
		err = o.provisioner.StopUnit(stopCtx, sess.EndpointRef)
		cancel()
		if err != nil {
			// Operator follow-up; the ledger keeps the slot until the
			// deprovision is confirmed.
			o.log.Error().Err(err).
				Str("session_id", sessionID).
				Str("endpoint_ref", sess.EndpointRef).
				Msg("deprovision did not complete within ceiling, session left terminating")
			pending := &models.TerminationPendingError{
				SessionID:  sessionID,
				RetryAfter: terminationRetryAfter,
				Cause:      err,
			}
			o.record(models.AuditTermination, sess.OwnerID, sessionID, "deprovision-pending", err, time.Since(began))
			o.metrics.Increment("sessions.deprovision_pending")
			return sess, pending
		}
	}

	if sess.Addr.IsValid() {
		o.releaseAddr(ctx, sess.Addr)
	}

	now := time.Now().UTC()
	sess.State = models.StateTerminated
	sess.TerminatedAt = now
	sess.SetLastError(reason)
	ok, err = o.store.UpdateSessionGuarded(ctx, sess, models.StateTerminating)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to mark session %s terminated: %w", sessionID, err)
	}
	if !ok {
		return models.Session{}, o.refreshedTransitionError(ctx, sessionID, models.StateTerminated)
	}
	if err := o.ledger.RecordTermination(ctx); err != nil {
		o.log.Error().Err(err).Msgf("failed to record termination of session %s in ledger", sessionID)
	}

	duration := now.Sub(sess.CreatedAt)
	o.log.Info().
		Str("session_id", sessionID).
		Str("owner_id", sess.OwnerID).
		Str("reason", reason).
		Dur("session_duration", duration).
		Msg("session terminated")
	o.record(models.AuditTermination, sess.OwnerID, sessionID, "terminated", nil, duration)
	o.metrics.Increment("sessions.terminated")
	o.metrics.Duration("sessions.lifetime", duration)
	return sess, nil
}

// MarkIdle moves an active session to idle. Only the reaper calls this.
func (o *Orchestrator) MarkIdle(ctx context.Context, sessionID string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.State.CanTransitionTo(models.StateIdle) {
		return models.NewInvalidTransition(sessionID, sess.State, models.StateIdle)
	}
	sess.State = models.StateIdle
	ok, err := o.store.UpdateSessionGuarded(ctx, sess, models.StateActive)
	if err != nil {
		return fmt.Errorf("failed to mark session %s idle: %w", sessionID, err)
	}
	if !ok {
		return o.refreshedTransitionError(ctx, sessionID, models.StateIdle)
	}
	o.record(models.AuditTransition, sess.OwnerID, sessionID, "idle", nil, 0)
	return nil
}

// Touch advances the last-activity clock of an active session.
func (o *Orchestrator) Touch(ctx context.Context, sessionID string) (models.Session, error) {
	now := time.Now().UTC()
	ok, err := o.store.TouchSession(ctx, sessionID, now)
	if err != nil {
		return models.Session{}, err
	}
	if !ok {
		return models.Session{}, o.refreshedTransitionError(ctx, sessionID, models.StateActive)
	}
	return o.store.GetSession(ctx, sessionID)
}

// Status returns the session record plus a best-effort unit health
// probe for sessions that own a compute unit.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (models.Session, provision.UnitHealth, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Session{}, provision.UnitUnknown, err
	}
	health := provision.UnitUnknown
	if sess.EndpointRef != "" && sess.State.Live() {
		health, err = o.provisioner.UnitStatus(ctx, sess.EndpointRef)
		if err != nil {
			o.log.Warn().Err(err).Msgf("failed to probe unit health for session %s", sessionID)
			health = provision.UnitUnknown
		}
	}
	return sess, health, nil
}

// List returns an owner's sessions, optionally filtered by state, with
// per-state counts over the returned set.
func (o *Orchestrator) List(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, map[models.SessionState]int, error) {
	sessions, err := o.store.ListOwnerSessions(ctx, ownerID, states...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list sessions for owner %s: %w", ownerID, err)
	}
	counts := make(map[models.SessionState]int, 5)
	for _, sess := range sessions {
		counts[sess.State]++
	}
	return sessions, counts, nil
}

// IdleCandidates returns the sessions the reaper should look at.
func (o *Orchestrator) IdleCandidates(ctx context.Context) ([]models.Session, error) {
	active, err := o.store.ListSessionsInState(ctx, models.StateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	// Sessions stuck in idle from an interrupted sweep get picked up
	// again instead of leaking their slot.
	idle, err := o.store.ListSessionsInState(ctx, models.StateIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	return append(active, idle...), nil
}

func (o *Orchestrator) refreshedTransitionError(ctx context.Context, sessionID string, requested models.SessionState) error {
	current, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return models.NewInvalidTransition(sessionID, current.State, requested)
}

func (o *Orchestrator) stopUnit(ctx context.Context, sessionID, ref string) {
	stopCtx, cancel := context.WithTimeout(ctx, DeprovisionCeiling)
	defer cancel()
	if err := o.provisioner.StopUnit(stopCtx, ref); err != nil {
		o.log.Error().Err(err).Msgf("failed to stop orphaned unit %s of session %s", ref, sessionID)
	}
}

func (o *Orchestrator) releaseAddr(ctx context.Context, addr netip.Addr) {
	if err := o.allocator.Release(ctx, addr); err != nil {
		o.log.Error().Err(err).Msgf("failed to release address %s", addr)
	}
}

func (o *Orchestrator) publishConfig(sess models.Session, clientPair keys.KeyPair, serverPublicKey string, endpoint provision.Endpoint) artifact.Handle {
	cfg := artifact.RenderClientConfig(artifact.ConnectionParams{
		ClientPrivateKey: clientPair.PrivateKey,
		ClientAddr:       sess.Addr,
		ServerPublicKey:  serverPublicKey,
		ServerEndpoint:   endpoint.PublicAddr,
		DNS:              o.clientDNS,
	})
	handle, err := o.artifacts.Publish(sess.ID, cfg)
	if err != nil {
		// The session is live either way; the caller can re-request the
		// artifact through status.
		o.log.Error().Err(err).Msgf("failed to publish client config for session %s", sess.ID)
		return artifact.Handle{}
	}
	return handle
}

func (o *Orchestrator) record(kind models.AuditKind, ownerID, sessionID, outcome string, cause error, duration time.Duration) {
	event := models.AuditEvent{
		Kind:      kind,
		OwnerID:   ownerID,
		SessionID: sessionID,
		Outcome:   outcome,
		At:        time.Now().UTC(),
		Duration:  duration,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	o.audit.Record(event)
}
