package provision

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second

	// ExhaustedRetryAfter is the backoff hint handed to the caller once
	// internal retries are spent.
	ExhaustedRetryAfter = 60 * time.Second
)

// Driver wraps StartUnit in bounded exponential backoff. Only transient
// provider errors are re-attempted; fatal ones surface immediately. The
// timer is injectable so tests run without real delays.
type Driver struct {
	provisioner Provisioner
	attempts    uint
	baseDelay   time.Duration
	maxDelay    time.Duration
	timer       retry.Timer
}

type DriverOption func(*Driver)

func WithAttempts(n uint) DriverOption {
	return func(d *Driver) { d.attempts = n }
}

func WithDelays(base, max time.Duration) DriverOption {
	return func(d *Driver) {
		d.baseDelay = base
		d.maxDelay = max
	}
}

func WithTimer(t retry.Timer) DriverOption {
	return func(d *Driver) { d.timer = t }
}

func NewDriver(provisioner Provisioner, opts ...DriverOption) *Driver {
	d := &Driver{
		provisioner: provisioner,
		attempts:    DefaultAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drive runs the provisioning call to completion or exhaustion and
// reports how many attempts it spent. onAttempt fires before each
// attempt with its 1-based number, letting the orchestrator persist the
// session's attempt counter as it grows.
func (d *Driver) Drive(
	ctx context.Context,
	sessionID string,
	params StartParams,
	onAttempt func(attempt uint),
) (Endpoint, uint, error) {
	var (
		endpoint Endpoint
		attempts uint
	)
	opts := []retry.Option{
		retry.Attempts(d.attempts),
		retry.Delay(d.baseDelay),
		retry.MaxDelay(d.maxDelay),
		// retry.Do increments its attempt counter before computing the
		// delay; shift it back so the first wait equals the base delay
		// (1s, 2s, ... rather than 2s, 4s, ...).
		retry.DelayType(func(n uint, err error, cfg *retry.Config) time.Duration {
			if n > 0 {
				n--
			}
			return retry.BackOffDelay(n, err, cfg)
		}),
		retry.RetryIf(models.IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Msgf("provisioning attempt %d for session %s failed, will retry", n+1, sessionID)
		}),
	}
	if d.timer != nil {
		opts = append(opts, retry.WithTimer(d.timer))
	}
	err := retry.Do(
		func() error {
			attempts++
			if onAttempt != nil {
				onAttempt(attempts)
			}
			started, startErr := d.provisioner.StartUnit(ctx, sessionID, params)
			if startErr != nil {
				return startErr
			}
			endpoint = started
			return nil
		},
		opts...,
	)
	if err == nil {
		return endpoint, attempts, nil
	}
	if models.IsTransient(err) {
		return Endpoint{}, attempts, &models.RetriesExhaustedError{
			Attempts:   attempts,
			RetryAfter: ExhaustedRetryAfter,
			Last:       err,
		}
	}
	return Endpoint{}, attempts, err
}
