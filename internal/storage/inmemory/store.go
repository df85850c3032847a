package inmemory

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

// Store keeps every repository behind one mutex. It backs tests and the
// single-process dev mode; the postgres repository is the durable twin.
type Store struct {
	mu          *sync.Mutex
	sessions    map[string]models.Session
	quotas      map[string]models.OwnerQuota
	ledger      models.CapacityLedger
	allocations []models.Allocation
}

func NewStore() *Store {
	return &Store{
		mu:       &sync.Mutex{},
		sessions: make(map[string]models.Session, 64),
		quotas:   make(map[string]models.OwnerQuota, 16),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	// Mirrors the sessions_live_owner_idx partial unique index: at most
	// one provisioning or active session per owner.
	if sess.State == models.StateProvisioning || sess.State == models.StateActive {
		for _, existing := range s.sessions {
			if existing.OwnerID != sess.OwnerID {
				continue
			}
			if existing.State == models.StateProvisioning || existing.State == models.StateActive {
				return models.ErrOwnerSessionExists
			}
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return models.Session{}, models.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) ListOwnerSessions(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.Session, 0, 8)
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID {
			continue
		}
		if len(states) > 0 && !stateIn(sess.State, states) {
			continue
		}
		result = append(result, sess)
	}
	return result, nil
}

func (s *Store) ListSessionsInState(ctx context.Context, state models.SessionState) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.Session, 0, 8)
	for _, sess := range s.sessions {
		if sess.State == state {
			result = append(result, sess)
		}
	}
	return result, nil
}

// UpdateSessionGuarded writes the full record only if the stored state
// still matches expect. The guard is what keeps concurrent movers
// honest; a false return means someone else won.
func (s *Store) UpdateSessionGuarded(ctx context.Context, sess models.Session, expect models.SessionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[sess.ID]
	if !exists {
		return false, models.ErrSessionNotFound
	}
	if stored.State != expect {
		return false, nil
	}
	s.sessions[sess.ID] = sess
	return true, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[id]
	if !exists {
		return false, models.ErrSessionNotFound
	}
	if stored.State != models.StateActive {
		return false, nil
	}
	if at.After(stored.LastActivityAt) {
		stored.LastActivityAt = at
		s.sessions[id] = stored
	}
	return true, nil
}

func (s *Store) GetOwnerQuota(ctx context.Context, ownerID string) (models.OwnerQuota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota, exists := s.quotas[ownerID]
	return quota, exists, nil
}

func (s *Store) UpsertOwnerQuota(ctx context.Context, quota models.OwnerQuota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas[quota.OwnerID] = quota
	return nil
}

func (s *Store) GetLedger(ctx context.Context) (models.CapacityLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger, nil
}

func (s *Store) SwapLedger(ctx context.Context, expectVersion uint64, next models.CapacityLedger) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger.Version != expectVersion {
		return false, nil
	}
	next.Version = expectVersion + 1
	s.ledger = next
	return true, nil
}

func (s *Store) ListActiveAllocations(ctx context.Context) ([]models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]models.Allocation, 0, len(s.allocations))
	for _, alloc := range s.allocations {
		if !alloc.Expired {
			result = append(result, alloc)
		}
	}
	return result, nil
}

func (s *Store) CreateAllocation(ctx context.Context, alloc models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.allocations {
		if !existing.Expired && existing.Addr == alloc.Addr {
			return models.ErrAddrInUse
		}
	}
	s.allocations = append(s.allocations, alloc)
	return nil
}

func (s *Store) ExpireAllocations(ctx context.Context, addr netip.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for i, alloc := range s.allocations {
		if !alloc.Expired && alloc.Addr == addr {
			s.allocations[i].Expired = true
			expired++
		}
	}
	return expired, nil
}

func stateIn(state models.SessionState, states []models.SessionState) bool {
	for _, candidate := range states {
		if state == candidate {
			return true
		}
	}
	return false
}
