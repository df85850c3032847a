package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

const (
	firstHostOctet = 2
	lastHostOctet  = 254
)

type AllocationRepository interface {
	ListActiveAllocations(ctx context.Context) ([]models.Allocation, error)
	CreateAllocation(ctx context.Context, alloc models.Allocation) error
	ExpireAllocations(ctx context.Context, addr netip.Addr) (int, error)
}

// Allocator hands out addresses from a fixed /24-style pool. There is no
// cached free list: every Allocate re-scans live allocations, because
// sessions expire asynchronously and a cache would hand out collisions.
type Allocator struct {
	repo AllocationRepository
	pool netip.Prefix
}

func New(repo AllocationRepository, pool netip.Prefix) (*Allocator, error) {
	if !pool.Addr().Is4() {
		return nil, fmt.Errorf("pool %s is not an ipv4 prefix", pool)
	}
	if pool.Bits() > 24 {
		return nil, fmt.Errorf("pool %s is smaller than /24", pool)
	}
	return &Allocator{repo: repo, pool: pool.Masked()}, nil
}

func (a *Allocator) PoolSize() int {
	return lastHostOctet - firstHostOctet + 1
}

// Allocate scans in-use host octets and claims the first free one. If
// the claim loses a write race it rescans exactly once; a second loss
// means the pool genuinely ran dry.
func (a *Allocator) Allocate(ctx context.Context, sessionID string) (netip.Addr, error) {
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := a.findFree(ctx)
		if err != nil {
			return netip.Addr{}, err
		}
		err = a.repo.CreateAllocation(ctx, models.Allocation{
			SessionID: sessionID,
			Addr:      addr,
			CreatedAt: time.Now().UTC(),
		})
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, models.ErrAddrInUse) {
			return netip.Addr{}, fmt.Errorf("failed to create allocation: %w", err)
		}
		log.Warn().Str("session_id", sessionID).Msgf("lost allocation race for %s, rescanning", addr)
	}
	return netip.Addr{}, &models.PoolExhaustedError{PoolSize: a.PoolSize()}
}

// Release expires every allocation holding addr. Releasing an already
// free address is a no-op, not an error.
func (a *Allocator) Release(ctx context.Context, addr netip.Addr) error {
	if !addr.IsValid() {
		return nil
	}
	released, err := a.repo.ExpireAllocations(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", addr, err)
	}
	if released > 0 {
		log.Debug().Msgf("released address %s (%d allocations expired)", addr, released)
	}
	return nil
}

func (a *Allocator) findFree(ctx context.Context) (netip.Addr, error) {
	live, err := a.repo.ListActiveAllocations(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to scan allocations: %w", err)
	}
	inUse := make(map[uint8]struct{}, len(live))
	for _, alloc := range live {
		if !a.pool.Contains(alloc.Addr) {
			continue
		}
		inUse[alloc.Addr.As4()[3]] = struct{}{}
	}
	base := a.pool.Addr().As4()
	for octet := firstHostOctet; octet <= lastHostOctet; octet++ {
		if _, taken := inUse[uint8(octet)]; taken {
			continue
		}
		base[3] = uint8(octet)
		return netip.AddrFrom4(base), nil
	}
	return netip.Addr{}, &models.PoolExhaustedError{PoolSize: a.PoolSize()}
}
