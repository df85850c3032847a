package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

const (
	maxSwapAttempts = 3

	capacityRetryAfter = 60 * time.Second
)

// Repository is the versioned singleton row. SwapLedger must write next
// only if the stored version still equals expectVersion, bumping the
// version in the same operation.
type Repository interface {
	GetLedger(ctx context.Context) (models.CapacityLedger, error)
	SwapLedger(ctx context.Context, expectVersion uint64, next models.CapacityLedger) (bool, error)
}

// Ledger enforces the global compute-unit and session ceilings. Every
// mutation is a read-modify-swap loop; two racing writers cannot both
// take the last slot.
type Ledger struct {
	repo           Repository
	unitCeiling    int
	sessionCeiling int
}

func New(repo Repository, unitCeiling, sessionCeiling int) *Ledger {
	return &Ledger{
		repo:           repo,
		unitCeiling:    unitCeiling,
		sessionCeiling: sessionCeiling,
	}
}

func (l *Ledger) Snapshot(ctx context.Context) (models.CapacityLedger, error) {
	return l.repo.GetLedger(ctx)
}

// CheckAdmission is the cheap pre-flight read. The authoritative ceiling
// check happens again inside RecordProvisionSuccess, so a stale read here
// can only cause a wasted provisioning attempt, never an overshoot.
func (l *Ledger) CheckAdmission(ctx context.Context) error {
	cur, err := l.repo.GetLedger(ctx)
	if err != nil {
		return fmt.Errorf("failed to read capacity ledger: %w", err)
	}
	if !cur.AtCapacity(l.unitCeiling, l.sessionCeiling) {
		return nil
	}
	if cur.ActiveUnits >= l.unitCeiling {
		return &models.CapacityExceededError{
			Scope:      models.ScopeComputeUnit,
			Limit:      l.unitCeiling,
			RetryAfter: capacityRetryAfter,
		}
	}
	return &models.CapacityExceededError{
		Scope:      models.ScopeSession,
		Limit:      l.sessionCeiling,
		RetryAfter: capacityRetryAfter,
	}
}

// RecordProvisionSuccess claims a unit and a session slot. It re-checks
// the ceilings under the swap so the ledger can never overcount: the
// loser of a race for the last slot gets a capacity error and must tear
// its fresh unit back down.
func (l *Ledger) RecordProvisionSuccess(ctx context.Context, attempts uint) error {
	return l.swap(ctx, func(cur models.CapacityLedger) (models.CapacityLedger, error) {
		if cur.ActiveUnits >= l.unitCeiling {
			return cur, &models.CapacityExceededError{
				Scope:      models.ScopeComputeUnit,
				Limit:      l.unitCeiling,
				RetryAfter: capacityRetryAfter,
			}
		}
		if cur.ActiveSessions >= l.sessionCeiling {
			return cur, &models.CapacityExceededError{
				Scope:      models.ScopeSession,
				Limit:      l.sessionCeiling,
				RetryAfter: capacityRetryAfter,
			}
		}
		cur.ActiveUnits++
		cur.ActiveSessions++
		cur.Attempts += uint64(attempts)
		return cur, nil
	})
}

// RecordProvisionFailure accounts an exhausted or fatally failed drive.
// No slot was taken, so only the cumulative counters move.
func (l *Ledger) RecordProvisionFailure(ctx context.Context, attempts uint) error {
	return l.swap(ctx, func(cur models.CapacityLedger) (models.CapacityLedger, error) {
		cur.Attempts += uint64(attempts)
		cur.Failures++
		return cur, nil
	})
}

// RecordTermination releases a unit and a session slot after a confirmed
// deprovision. Counters floor at zero rather than going negative.
func (l *Ledger) RecordTermination(ctx context.Context) error {
	return l.swap(ctx, func(cur models.CapacityLedger) (models.CapacityLedger, error) {
		cur.ActiveUnits = max(cur.ActiveUnits-1, 0)
		cur.ActiveSessions = max(cur.ActiveSessions-1, 0)
		return cur, nil
	})
}

func (l *Ledger) swap(ctx context.Context, mutate func(models.CapacityLedger) (models.CapacityLedger, error)) error {
	for range maxSwapAttempts {
		cur, err := l.repo.GetLedger(ctx)
		if err != nil {
			return fmt.Errorf("failed to read capacity ledger: %w", err)
		}
		next, err := mutate(cur)
		if err != nil {
			return err
		}
		swapped, err := l.repo.SwapLedger(ctx, cur.Version, next)
		if err != nil {
			return fmt.Errorf("failed to swap capacity ledger: %w", err)
		}
		if swapped {
			return nil
		}
	}
	// Lost the version race repeatedly; caller backs off like any other
	// capacity contention.
	return &models.CapacityExceededError{
		Scope:      models.ScopeSession,
		Limit:      l.sessionCeiling,
		RetryAfter: capacityRetryAfter,
	}
}
