package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravegeek/az-demand-vpn/internal/artifact"
	"github.com/bravegeek/az-demand-vpn/internal/ipam"
	"github.com/bravegeek/az-demand-vpn/internal/keys"
	"github.com/bravegeek/az-demand-vpn/internal/ledger"
	"github.com/bravegeek/az-demand-vpn/internal/metrics"
	"github.com/bravegeek/az-demand-vpn/internal/models"
	"github.com/bravegeek/az-demand-vpn/internal/provision"
	"github.com/bravegeek/az-demand-vpn/internal/storage/inmemory"
)

type instantTimer struct{}

func (instantTimer) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// fakeProvisioner scripts start behavior and records stop calls.
type fakeProvisioner struct {
	mu       sync.Mutex
	startErr func(call int) error
	starts   int
	stops    []string
	stopErr  error
}

func (p *fakeProvisioner) StartUnit(ctx context.Context, sessionID string, params provision.StartParams) (provision.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.startErr != nil {
		if err := p.startErr(p.starts); err != nil {
			return provision.Endpoint{}, err
		}
	}
	return provision.Endpoint{Ref: "unit-" + sessionID, PublicAddr: "203.0.113.10:51820"}, nil
}

func (p *fakeProvisioner) StopUnit(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, ref)
	return p.stopErr
}

func (p *fakeProvisioner) UnitStatus(ctx context.Context, ref string) (provision.UnitHealth, error) {
	return provision.UnitHealthy, nil
}

func (p *fakeProvisioner) stopped() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stops...)
}

type capturingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *capturingAudit) Record(event models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *capturingAudit) byKind(kind models.AuditKind) []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditEvent
	for _, event := range a.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

type testEnv struct {
	store       *inmemory.Store
	ledger      *ledger.Ledger
	provisioner *fakeProvisioner
	audit       *capturingAudit
	orch        *Orchestrator
}

func newTestEnv(t *testing.T, prov *fakeProvisioner) *testEnv {
	t.Helper()
	store := inmemory.NewStore()
	capLedger := ledger.New(store, 3, 3)
	allocator, err := ipam.New(store, netip.MustParsePrefix("10.8.0.0/24"))
	require.NoError(t, err)
	driver := provision.NewDriver(prov, provision.WithTimer(instantTimer{}))
	auditRec := &capturingAudit{}
	orch := New(
		store,
		capLedger,
		allocator,
		driver,
		prov,
		keys.NewIssuer(),
		artifact.NewPublisher("http://localhost:8081", []byte("test-key"), time.Hour),
		auditRec,
		metrics.NewNoop(),
		"1.1.1.1",
		zerolog.Nop(),
	)
	return &testEnv{
		store:       store,
		ledger:      capLedger,
		provisioner: prov,
		audit:       auditRec,
		orch:        orch,
	}
}

func (e *testEnv) ledgerSnapshot(t *testing.T) models.CapacityLedger {
	t.Helper()
	snapshot, err := e.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	return snapshot
}

func (e *testEnv) liveOwnerSessions(t *testing.T, ownerID string) []models.Session {
	t.Helper()
	sessions, err := e.store.ListOwnerSessions(
		context.Background(), ownerID,
		models.StateProvisioning, models.StateActive,
	)
	require.NoError(t, err)
	return sessions
}

func TestStartActivatesSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	sess := result.Session
	assert.Equal(t, models.StateActive, sess.State)
	assert.Equal(t, "u1", sess.OwnerID)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), sess.Addr)
	assert.Equal(t, "unit-"+sess.ID, sess.EndpointRef)
	assert.EqualValues(t, 1, sess.Attempts)
	assert.Equal(t, DefaultIdleTimeout, sess.IdleTimeout)
	assert.NotEmpty(t, result.ClientPublicKey)
	assert.NotEmpty(t, result.Config.URL)

	snapshot := env.ledgerSnapshot(t)
	assert.Equal(t, 1, snapshot.ActiveUnits)
	assert.Equal(t, 1, snapshot.ActiveSessions)

	stored, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, stored.State)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"empty owner", StartRequest{}},
		{"owner too long", StartRequest{OwnerID: string(make([]byte, 200))}},
		{"idle timeout too short", StartRequest{OwnerID: "u1", IdleTimeout: 30 * time.Second}},
		{"idle timeout too long", StartRequest{OwnerID: "u1", IdleTimeout: 25 * time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orch.Start(ctx, tc.req)
			var validation *models.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
	assert.Equal(t, 0, env.provisioner.starts)
}

func TestStartRejectsDisabledOwner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})
	require.NoError(t, env.store.UpsertOwnerQuota(ctx, models.OwnerQuota{
		OwnerID: "u1", Active: false, MaxSessions: 1,
	}))

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestStartEnforcesSourceRestriction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})
	require.NoError(t, env.store.UpsertOwnerQuota(ctx, models.OwnerQuota{
		OwnerID: "u1", Active: true, MaxSessions: 1, SourceCIDR: "192.0.2.0/24",
	}))

	_, err := env.orch.Start(ctx, StartRequest{
		OwnerID:    "u1",
		SourceAddr: netip.MustParseAddr("198.51.100.7"),
	})
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = env.orch.Start(ctx, StartRequest{
		OwnerID:    "u1",
		SourceAddr: netip.MustParseAddr("192.0.2.7"),
	})
	require.NoError(t, err)
}

func TestStartRejectsOverOwnerQuota(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	_, err = env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var capacity *models.CapacityExceededError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, models.ScopeOwner, capacity.Scope)
}

func TestStartRejectsAtGlobalCeiling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	for i := range 3 {
		_, err := env.orch.Start(ctx, StartRequest{OwnerID: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u-late"})
	var capacity *models.CapacityExceededError
	require.ErrorAs(t, err, &capacity)
	assert.Positive(t, capacity.RetryAfter)
}

func TestStartSupersedesInflightProvisioning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	// A request stuck in provisioning, as if its caller gave up.
	stale := models.NewSession("stale", "u1", 10*time.Minute, time.Now().UTC())
	require.NoError(t, env.store.CreateSession(ctx, stale))

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, result.Session.State)

	old, err := env.store.GetSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminated, old.State)
	assert.Equal(t, SupersededReason, old.LastError)
	assert.False(t, old.TerminatedAt.IsZero())

	live := env.liveOwnerSessions(t, "u1")
	require.Len(t, live, 1)
	assert.Equal(t, result.Session.ID, live[0].ID)

	assert.Len(t, env.audit.byKind(models.AuditSupersede), 1)
}

// gatedStore lets a test hold concurrent starts at the supersede scan so
// they interleave past it before either inserts its session.
type gatedStore struct {
	*inmemory.Store
	gate func(states []models.SessionState)
}

func (s *gatedStore) ListOwnerSessions(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, error) {
	if s.gate != nil {
		s.gate(states)
	}
	return s.Store.ListOwnerSessions(ctx, ownerID, states...)
}

func TestConcurrentStartsKeepOneLiveSession(t *testing.T) {
	ctx := context.Background()
	inner := inmemory.NewStore()

	// Rendezvous: the first two supersede scans wait for each other, so
	// both starts observe no in-flight sibling. Later scans pass through.
	var (
		mu      sync.Mutex
		arrived int
	)
	release := make(chan struct{})
	store := &gatedStore{Store: inner, gate: func(states []models.SessionState) {
		if len(states) != 1 || states[0] != models.StateProvisioning {
			return
		}
		mu.Lock()
		arrived++
		n := arrived
		if n == 2 {
			close(release)
		}
		mu.Unlock()
		if n <= 2 {
			<-release
		}
	}}

	prov := &fakeProvisioner{}
	capLedger := ledger.New(inner, 3, 3)
	allocator, err := ipam.New(inner, netip.MustParsePrefix("10.8.0.0/24"))
	require.NoError(t, err)
	orch := New(
		store,
		capLedger,
		allocator,
		provision.NewDriver(prov, provision.WithTimer(instantTimer{})),
		prov,
		keys.NewIssuer(),
		artifact.NewPublisher("http://localhost:8081", []byte("test-key"), time.Hour),
		&capturingAudit{},
		metrics.NewNoop(),
		"1.1.1.1",
		zerolog.Nop(),
	)

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := orch.Start(ctx, StartRequest{OwnerID: "u1"})
			results <- err
		}()
	}
	failures := 0
	for range 2 {
		if err := <-results; err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	live, err := inner.ListOwnerSessions(ctx, "u1", models.StateProvisioning, models.StateActive)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, models.StateActive, live[0].State)

	snapshot, err := capLedger.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ActiveSessions)
	assert.Equal(t, 1, snapshot.ActiveUnits)
}

func TestSingleActiveSessionInvariant(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	// A mix of successful starts, quota rejections and stops must never
	// leave more than one provisioning/active session for the owner.
	for i := range 5 {
		result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
		if err == nil && i%2 == 0 {
			_, err = env.orch.Terminate(ctx, result.Session.ID, "test stop")
			require.NoError(t, err)
		}
		assert.LessOrEqual(t, len(env.liveOwnerSessions(t, "u1")), 1)
	}
}

func TestStartExhaustsRetriesAndTerminates(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvisioner{
		startErr: func(int) error {
			return &models.TransientProviderError{Cause: errors.New("throttled")}
		},
	}
	env := newTestEnv(t, prov)

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var exhausted *models.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.EqualValues(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, prov.starts)

	sessions, err := env.store.ListOwnerSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StateTerminated, sessions[0].State)
	assert.EqualValues(t, 3, sessions[0].Attempts)
	assert.NotEmpty(t, sessions[0].LastError)

	snapshot := env.ledgerSnapshot(t)
	assert.Zero(t, snapshot.ActiveUnits)
	assert.Zero(t, snapshot.ActiveSessions)
	assert.EqualValues(t, 3, snapshot.Attempts)
	assert.EqualValues(t, 1, snapshot.Failures)

	// The failed session's address must be reusable immediately.
	result, err := newTestEnvStart(t, env)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), result.Session.Addr)
}

func newTestEnvStart(t *testing.T, env *testEnv) (StartResult, error) {
	t.Helper()
	env.provisioner.mu.Lock()
	env.provisioner.startErr = nil
	env.provisioner.mu.Unlock()
	return env.orch.Start(context.Background(), StartRequest{OwnerID: "u1"})
}

func TestStartFatalErrorNoRetry(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvisioner{
		startErr: func(int) error {
			return &models.FatalProviderError{Cause: errors.New("bad image")}
		},
	}
	env := newTestEnv(t, prov)

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var fatal *models.FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, prov.starts)

	sessions, err := env.store.ListOwnerSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StateTerminated, sessions[0].State)
	assert.EqualValues(t, 1, sessions[0].Attempts)
}

func TestStartPoolExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	base := netip.MustParseAddr("10.8.0.0").As4()
	for octet := 2; octet <= 254; octet++ {
		base[3] = uint8(octet)
		require.NoError(t, env.store.CreateAllocation(ctx, models.Allocation{
			SessionID: "seed",
			Addr:      netip.AddrFrom4(base),
			CreatedAt: time.Now(),
		}))
	}

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var exhausted *models.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)

	sessions, err := env.store.ListOwnerSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StateTerminated, sessions[0].State)
	assert.Equal(t, 0, env.provisioner.starts)
}

func TestTerminateReleasesEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	terminated, err := env.orch.Terminate(ctx, result.Session.ID, "stopped by caller")
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminated, terminated.State)
	assert.False(t, terminated.TerminatedAt.IsZero())

	snapshot := env.ledgerSnapshot(t)
	assert.Zero(t, snapshot.ActiveUnits)
	assert.Zero(t, snapshot.ActiveSessions)

	assert.Equal(t, []string{result.Session.EndpointRef}, env.provisioner.stopped())

	live, err := env.store.ListActiveAllocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestTerminateRejectsIllegalStates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	_, err := env.orch.Terminate(ctx, "missing", "x")
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)
	_, err = env.orch.Terminate(ctx, result.Session.ID, "first")
	require.NoError(t, err)

	_, err = env.orch.Terminate(ctx, result.Session.ID, "second")
	var transition *models.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StateTerminated, transition.Current)
	assert.Empty(t, transition.Allowed)

	// A provisioning session cannot be stopped through the public path.
	stuck := models.NewSession("stuck", "u2", 10*time.Minute, time.Now().UTC())
	require.NoError(t, env.store.CreateSession(ctx, stuck))
	_, err = env.orch.Terminate(ctx, "stuck", "x")
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StateProvisioning, transition.Current)
}

func TestTerminateDeprovisionPastCeiling(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvisioner{stopErr: &models.TransientProviderError{Cause: errors.New("slow")}}
	env := newTestEnv(t, prov)

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	_, err = env.orch.Terminate(ctx, result.Session.ID, "stop")
	var pending *models.TerminationPendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, result.Session.ID, pending.SessionID)

	// Session parked in terminating, ledger still holding the slot.
	stored, err := env.store.GetSession(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminating, stored.State)

	snapshot := env.ledgerSnapshot(t)
	assert.Equal(t, 1, snapshot.ActiveUnits)
	assert.Equal(t, 1, snapshot.ActiveSessions)
}

func TestSupersedeRaceDuringDrive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	// While the unit is starting, a newer request supersedes the
	// session out from under the drive, releasing its address the way
	// the supersede path does.
	env.provisioner.startErr = func(int) error {
		sessions, err := env.store.ListOwnerSessions(ctx, "u1", models.StateProvisioning)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		rival := sessions[0]
		rival.State = models.StateTerminated
		rival.TerminatedAt = time.Now().UTC()
		rival.SetLastError(SupersededReason)
		ok, err := env.store.UpdateSessionGuarded(ctx, rival, models.StateProvisioning)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = env.store.ExpireAllocations(ctx, rival.Addr)
		require.NoError(t, err)
		return nil
	}

	_, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	var transition *models.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StateTerminated, transition.Current)

	// The orphaned unit was torn down and the slot returned.
	assert.Len(t, env.provisioner.stopped(), 1)
	snapshot := env.ledgerSnapshot(t)
	assert.Zero(t, snapshot.ActiveUnits)
	assert.Zero(t, snapshot.ActiveSessions)

	live, err := env.store.ListActiveAllocations(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestLedgerConservation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	first, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)
	_, err = env.orch.Start(ctx, StartRequest{OwnerID: "u2"})
	require.NoError(t, err)

	require.NoError(t, env.orch.MarkIdle(ctx, first.Session.ID))

	active, err := env.store.ListSessionsInState(ctx, models.StateActive)
	require.NoError(t, err)
	idle, err := env.store.ListSessionsInState(ctx, models.StateIdle)
	require.NoError(t, err)

	snapshot := env.ledgerSnapshot(t)
	assert.Equal(t, len(active)+len(idle), snapshot.ActiveSessions)
	assert.LessOrEqual(t, snapshot.ActiveSessions, 3)

	_, err = env.orch.Terminate(ctx, first.Session.ID, "idle timeout")
	require.NoError(t, err)

	active, err = env.store.ListSessionsInState(ctx, models.StateActive)
	require.NoError(t, err)
	snapshot = env.ledgerSnapshot(t)
	assert.Equal(t, len(active), snapshot.ActiveSessions)
}

func TestTouchOnlyActiveSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	before := result.Session.LastActivityAt
	time.Sleep(5 * time.Millisecond)
	touched, err := env.orch.Touch(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.True(t, touched.LastActivityAt.After(before))

	require.NoError(t, env.orch.MarkIdle(ctx, result.Session.ID))
	_, err = env.orch.Touch(ctx, result.Session.ID)
	var transition *models.InvalidTransitionError
	require.ErrorAs(t, err, &transition)

	_, err = env.orch.Touch(ctx, "missing")
	require.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestMarkIdleGuards(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	require.NoError(t, env.orch.MarkIdle(ctx, result.Session.ID))

	err = env.orch.MarkIdle(ctx, result.Session.ID)
	var transition *models.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StateIdle, transition.Current)
}

func TestStatusAndList(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeProvisioner{})

	result, err := env.orch.Start(ctx, StartRequest{OwnerID: "u1"})
	require.NoError(t, err)

	sess, health, err := env.orch.Status(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, sess.State)
	assert.Equal(t, provision.UnitHealthy, health)

	_, _, err = env.orch.Status(ctx, "missing")
	require.ErrorIs(t, err, models.ErrSessionNotFound)

	sessions, counts, err := env.orch.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, counts[models.StateActive])

	terminated, counts, err := env.orch.List(ctx, "u1", models.StateTerminated)
	require.NoError(t, err)
	assert.Empty(t, terminated)
	assert.Empty(t, counts)
}
