package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bravegeek/az-demand-vpn/internal/metrics"
	"github.com/bravegeek/az-demand-vpn/internal/models"
)

const (
	DefaultInterval = 60 * time.Second

	idleReason = "idle timeout"
)

type Lifecycle interface {
	IdleCandidates(ctx context.Context) ([]models.Session, error)
	MarkIdle(ctx context.Context, sessionID string) error
	Terminate(ctx context.Context, sessionID, reason string) (models.Session, error)
}

type AuditRecorder interface {
	Record(event models.AuditEvent)
}

// Reaper is the only path that reclaims resources without a caller
// action. It polls on a fixed interval because the transport gives no
// reliable disconnect signal; the interval trades detection latency for
// sweep overhead.
type Reaper struct {
	lifecycle Lifecycle
	interval  time.Duration
	metrics   metrics.Metrics
	audit     AuditRecorder
	now       func() time.Time
	log       zerolog.Logger
}

func New(lifecycle Lifecycle, interval time.Duration, m metrics.Metrics, auditRec AuditRecorder, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		lifecycle: lifecycle,
		interval:  interval,
		metrics:   m,
		audit:     auditRec,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep terminates every session past its inactivity deadline. A
// session someone else is already moving loses its guarded transition
// and is skipped, never double-terminated.
func (r *Reaper) Sweep(ctx context.Context) {
	began := r.now()

	candidates, err := r.lifecycle.IdleCandidates(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper failed to list candidates")
		return
	}
	reaped := 0
	for _, sess := range candidates {
		if sess.State == models.StateActive {
			if began.Before(sess.IdleDeadline()) {
				continue
			}
			err := r.lifecycle.MarkIdle(ctx, sess.ID)
			if err != nil {
				r.skip(sess.ID, "mark idle", err)
				continue
			}
		}
		_, err := r.lifecycle.Terminate(ctx, sess.ID, idleReason)
		if err != nil {
			r.skip(sess.ID, "terminate", err)
			continue
		}
		reaped++
		r.log.Info().
			Str("session_id", sess.ID).
			Str("owner_id", sess.OwnerID).
			Time("last_activity_at", sess.LastActivityAt).
			Msg("reaped idle session")
	}
	r.metrics.Duration("reaper.sweep_time", time.Since(began))
	r.metrics.Gauge("reaper.last_reaped", reaped)
	r.audit.Record(models.AuditEvent{
		Kind:     models.AuditReaperSweep,
		Outcome:  fmt.Sprintf("reaped %d of %d candidates", reaped, len(candidates)),
		At:       began,
		Duration: time.Since(began),
	})
}

func (r *Reaper) skip(sessionID, stage string, err error) {
	var transition *models.InvalidTransitionError
	if errors.As(err, &transition) {
		// Lost the race to a concurrent stop or supersede.
		r.log.Debug().Msgf("reaper skipping session %s at %s: %v", sessionID, stage, err)
		return
	}
	r.log.Error().Err(err).Msgf("reaper failed to %s session %s", stage, sessionID)
}
