package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

const (
	sessionsTable = "sessions"
)

// integrity constraint violation class 23xxx
const (
	pgUniqueViolation  = "23505"
	pgForeignKeyError  = "23503"
	pgCheckViolation   = "23514"
	pgNotNullViolation = "23502"
)

// constraintName extracts the violated constraint from a pg error so the
// repository can map schema-level races to sentinel errors.
func constraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case pgUniqueViolation, pgForeignKeyError, pgCheckViolation, pgNotNullViolation:
		if pgErr.ConstraintName != "" {
			return pgErr.ConstraintName, true
		}
	}
	return "", false
}

// Repository is the durable twin of the in-memory store: sessions,
// owner quotas, the ledger singleton row and address allocations in one
// pool. The guarded update and the partial-unique allocation index are
// what the concurrency model leans on.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16, dbname string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=15",
			user, password, addr, port, dbname,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) CreateSession(ctx context.Context, sess models.Session) error {
	sql := `
	insert into sessions (id, owner_id, state, addr, endpoint_ref, idle_timeout_seconds,
	attempts, last_error, created_at, last_activity_at, terminated_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`
	_, err := r.db.Exec(ctx, sql,
		sess.ID,
		sess.OwnerID,
		string(sess.State),
		addrOrEmpty(sess.Addr),
		sess.EndpointRef,
		int64(sess.IdleTimeout.Seconds()),
		sess.Attempts,
		sess.LastError,
		sess.CreatedAt,
		sess.LastActivityAt,
		nullableTime(sess.TerminatedAt),
	)
	if err != nil {
		switch constraint, _ := constraintName(err); constraint {
		case "sessions_pkey":
			return fmt.Errorf("session %s already exists", sess.ID)
		case "sessions_live_owner_idx":
			return models.ErrOwnerSessionExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (models.Session, error) {
	sql := `
	select id, owner_id, state, addr, endpoint_ref, idle_timeout_seconds,
	attempts, last_error, created_at, last_activity_at, terminated_at
	from sessions
	where id = $1;
	`
	row := r.db.QueryRow(ctx, sql, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

func (r *Repository) ListOwnerSessions(ctx context.Context, ownerID string, states ...models.SessionState) ([]models.Session, error) {
	builder := squirrel.Select(
		"id", "owner_id", "state", "addr", "endpoint_ref", "idle_timeout_seconds",
		"attempts", "last_error", "created_at", "last_activity_at", "terminated_at",
	).From(sessionsTable).
		Where(squirrel.Eq{"owner_id": ownerID}).
		OrderBy("created_at desc").
		PlaceholderFormat(squirrel.Dollar)
	if len(states) > 0 {
		stateStrs := make([]string, 0, len(states))
		for _, state := range states {
			stateStrs = append(stateStrs, string(state))
		}
		builder = builder.Where(squirrel.Eq{"state": stateStrs})
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	return r.querySessions(ctx, sql, args...)
}

func (r *Repository) ListSessionsInState(ctx context.Context, state models.SessionState) ([]models.Session, error) {
	sql := `
	select id, owner_id, state, addr, endpoint_ref, idle_timeout_seconds,
	attempts, last_error, created_at, last_activity_at, terminated_at
	from sessions
	where state = $1;
	`
	return r.querySessions(ctx, sql, string(state))
}

// UpdateSessionGuarded writes the record only while the stored state
// still matches expect; the transition check happens in the database,
// not in a previously read copy.
func (r *Repository) UpdateSessionGuarded(ctx context.Context, sess models.Session, expect models.SessionState) (bool, error) {
	sql := `
	update sessions
	set state = $1, addr = $2, endpoint_ref = $3, attempts = $4, last_error = $5,
	last_activity_at = $6, terminated_at = $7
	where id = $8 and state = $9;
	`
	tag, err := r.db.Exec(ctx, sql,
		string(sess.State),
		addrOrEmpty(sess.Addr),
		sess.EndpointRef,
		sess.Attempts,
		sess.LastError,
		sess.LastActivityAt,
		nullableTime(sess.TerminatedAt),
		sess.ID,
		string(expect),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Nothing matched: either the session moved or it never existed.
	_, err = r.GetSession(ctx, sess.ID)
	if errors.Is(err, models.ErrSessionNotFound) {
		return false, models.ErrSessionNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) TouchSession(ctx context.Context, id string, at time.Time) (bool, error) {
	sql := `
	update sessions
	set last_activity_at = greatest(last_activity_at, $1)
	where id = $2 and state = $3;
	`
	tag, err := r.db.Exec(ctx, sql, at, id, string(models.StateActive))
	if err != nil {
		return false, fmt.Errorf("failed to touch session %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	_, err = r.GetSession(ctx, id)
	if errors.Is(err, models.ErrSessionNotFound) {
		return false, models.ErrSessionNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) GetOwnerQuota(ctx context.Context, ownerID string) (models.OwnerQuota, bool, error) {
	sql := `
	select owner_id, active, max_sessions, source_cidr
	from owner_quotas
	where owner_id = $1;
	`
	quota := models.OwnerQuota{}
	err := r.db.QueryRow(ctx, sql, ownerID).Scan(
		&quota.OwnerID,
		&quota.Active,
		&quota.MaxSessions,
		&quota.SourceCIDR,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OwnerQuota{}, false, nil
	}
	if err != nil {
		return models.OwnerQuota{}, false, fmt.Errorf("failed to get quota for owner %s: %w", ownerID, err)
	}
	return quota, true, nil
}

func (r *Repository) UpsertOwnerQuota(ctx context.Context, quota models.OwnerQuota) error {
	sql := `
	insert into owner_quotas (owner_id, active, max_sessions, source_cidr)
	values ($1, $2, $3, $4)
	on conflict (owner_id)
	do update set active = excluded.active, max_sessions = excluded.max_sessions,
	source_cidr = excluded.source_cidr;
	`
	_, err := r.db.Exec(ctx, sql, quota.OwnerID, quota.Active, quota.MaxSessions, quota.SourceCIDR)
	if err != nil {
		return fmt.Errorf("failed to upsert quota for owner %s: %w", quota.OwnerID, err)
	}
	return nil
}

func (r *Repository) GetLedger(ctx context.Context) (models.CapacityLedger, error) {
	sql := `
	select version, active_units, active_sessions, attempts, failures
	from capacity_ledger
	where id = 1;
	`
	ledger := models.CapacityLedger{}
	err := r.db.QueryRow(ctx, sql).Scan(
		&ledger.Version,
		&ledger.ActiveUnits,
		&ledger.ActiveSessions,
		&ledger.Attempts,
		&ledger.Failures,
	)
	if err != nil {
		return models.CapacityLedger{}, fmt.Errorf("failed to read capacity ledger: %w", err)
	}
	return ledger, nil
}

func (r *Repository) SwapLedger(ctx context.Context, expectVersion uint64, next models.CapacityLedger) (bool, error) {
	sql := `
	update capacity_ledger
	set version = $1, active_units = $2, active_sessions = $3, attempts = $4, failures = $5
	where id = 1 and version = $6;
	`
	tag, err := r.db.Exec(ctx, sql,
		expectVersion+1,
		next.ActiveUnits,
		next.ActiveSessions,
		next.Attempts,
		next.Failures,
		expectVersion,
	)
	if err != nil {
		return false, fmt.Errorf("failed to swap capacity ledger: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListActiveAllocations(ctx context.Context) ([]models.Allocation, error) {
	sql := `
	select session_id, addr, created_at, expired
	from allocations
	where not expired;
	`
	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.Allocation, 0, 64)
	for rows.Next() {
		alloc := models.Allocation{}
		var addrStr string
		err = rows.Scan(
			&alloc.SessionID,
			&addrStr,
			&alloc.CreatedAt,
			&alloc.Expired,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		addr, err := netip.ParseAddr(addrStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored addr %s: %w", addrStr, err)
		}
		alloc.Addr = addr
		result = append(result, alloc)
	}
	return result, nil
}

func (r *Repository) CreateAllocation(ctx context.Context, alloc models.Allocation) error {
	sql := `
	insert into allocations (session_id, addr, created_at, expired)
	values ($1, $2, $3, false);
	`
	_, err := r.db.Exec(ctx, sql, alloc.SessionID, alloc.Addr.String(), alloc.CreatedAt)
	if err != nil {
		if constraint, ok := constraintName(err); ok && constraint == "allocations_live_addr_idx" {
			return models.ErrAddrInUse
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (r *Repository) ExpireAllocations(ctx context.Context, addr netip.Addr) (int, error) {
	sql := `
	update allocations
	set expired = true
	where addr = $1 and not expired;
	`
	tag, err := r.db.Exec(ctx, sql, addr.String())
	if err != nil {
		return 0, fmt.Errorf("failed to expire allocations for %s: %w", addr, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) querySessions(ctx context.Context, sql string, args ...any) ([]models.Session, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make([]models.Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, sess)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		sess         models.Session
		state        string
		addrStr      string
		idleSeconds  int64
		terminatedAt *time.Time
	)
	err := row.Scan(
		&sess.ID,
		&sess.OwnerID,
		&state,
		&addrStr,
		&sess.EndpointRef,
		&idleSeconds,
		&sess.Attempts,
		&sess.LastError,
		&sess.CreatedAt,
		&sess.LastActivityAt,
		&terminatedAt,
	)
	if err != nil {
		return models.Session{}, err
	}
	sess.State = models.SessionState(state)
	sess.IdleTimeout = time.Duration(idleSeconds) * time.Second
	if addrStr != "" {
		addr, err := netip.ParseAddr(addrStr)
		if err != nil {
			return models.Session{}, fmt.Errorf("failed to parse stored addr %s: %w", addrStr, err)
		}
		sess.Addr = addr
	}
	if terminatedAt != nil {
		sess.TerminatedAt = *terminatedAt
	}
	return sess, nil
}

func addrOrEmpty(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
