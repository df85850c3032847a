package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

// instantTimer records requested delays and fires immediately so tests
// run without real backoff.
type instantTimer struct {
	delays []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.delays = append(t.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type scriptedProvisioner struct {
	errs  []error
	calls int
}

func (p *scriptedProvisioner) StartUnit(ctx context.Context, sessionID string, params StartParams) (Endpoint, error) {
	p.calls++
	if p.calls <= len(p.errs) && p.errs[p.calls-1] != nil {
		return Endpoint{}, p.errs[p.calls-1]
	}
	return Endpoint{Ref: "unit-" + sessionID, PublicAddr: "203.0.113.10:51820"}, nil
}

func (p *scriptedProvisioner) StopUnit(ctx context.Context, ref string) error { return nil }

func (p *scriptedProvisioner) UnitStatus(ctx context.Context, ref string) (UnitHealth, error) {
	return UnitHealthy, nil
}

func transientErr() error {
	return &models.TransientProviderError{Cause: errors.New("throttled")}
}

func TestDriveSucceedsFirstAttempt(t *testing.T) {
	prov := &scriptedProvisioner{}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer))

	endpoint, attempts, err := driver.Drive(context.Background(), "s-1", StartParams{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "unit-s-1", endpoint.Ref)
	assert.EqualValues(t, 1, attempts)
	assert.Empty(t, timer.delays)
}

func TestDriveRetriesTransientThenSucceeds(t *testing.T) {
	prov := &scriptedProvisioner{errs: []error{transientErr(), transientErr()}}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer))

	var observed []uint
	endpoint, attempts, err := driver.Drive(context.Background(), "s-1", StartParams{}, func(attempt uint) {
		observed = append(observed, attempt)
	})
	require.NoError(t, err)
	assert.Equal(t, "unit-s-1", endpoint.Ref)
	assert.EqualValues(t, 3, attempts)
	assert.Equal(t, []uint{1, 2, 3}, observed)
}

func TestDriveExhaustsAfterThreeAttempts(t *testing.T) {
	prov := &scriptedProvisioner{errs: []error{transientErr(), transientErr(), transientErr()}}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer))

	_, attempts, err := driver.Drive(context.Background(), "s-1", StartParams{}, nil)

	var exhausted *models.RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.EqualValues(t, 3, attempts)
	assert.EqualValues(t, 3, exhausted.Attempts)
	assert.Equal(t, ExhaustedRetryAfter, exhausted.RetryAfter)
	assert.Equal(t, 3, prov.calls)
}

func TestDriveBackoffNonDecreasingAndBounded(t *testing.T) {
	prov := &scriptedProvisioner{errs: []error{transientErr(), transientErr(), transientErr()}}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer))

	_, _, err := driver.Drive(context.Background(), "s-1", StartParams{}, nil)
	require.Error(t, err)

	// Two inter-attempt delays for three attempts: ~1s then ~2s.
	require.Len(t, timer.delays, 2)
	assert.Equal(t, 1*time.Second, timer.delays[0])
	assert.Equal(t, 2*time.Second, timer.delays[1])
	for i := 1; i < len(timer.delays); i++ {
		assert.GreaterOrEqual(t, timer.delays[i], timer.delays[i-1])
		assert.LessOrEqual(t, timer.delays[i], DefaultMaxDelay)
	}
}

func TestDriveFatalStopsImmediately(t *testing.T) {
	fatal := &models.FatalProviderError{Cause: errors.New("image not found")}
	prov := &scriptedProvisioner{errs: []error{fatal, fatal, fatal}}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer))

	_, attempts, err := driver.Drive(context.Background(), "s-1", StartParams{}, nil)

	var fatalErr *models.FatalProviderError
	require.ErrorAs(t, err, &fatalErr)
	assert.EqualValues(t, 1, attempts)
	assert.Equal(t, 1, prov.calls)
	assert.Empty(t, timer.delays)
}

func TestDriveDelayCap(t *testing.T) {
	errs := make([]error, 6)
	for i := range errs {
		errs[i] = transientErr()
	}
	prov := &scriptedProvisioner{errs: errs}
	timer := &instantTimer{}
	driver := NewDriver(prov, WithTimer(timer), WithAttempts(6), WithDelays(10*time.Second, 30*time.Second))

	_, _, err := driver.Drive(context.Background(), "s-1", StartParams{}, nil)
	require.Error(t, err)

	require.Len(t, timer.delays, 5)
	for _, d := range timer.delays {
		assert.LessOrEqual(t, d, 30*time.Second)
	}
	assert.Equal(t, 30*time.Second, timer.delays[len(timer.delays)-1])
}
