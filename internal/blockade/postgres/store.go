// Package postgres persists blockades in a Postgres table shared by every
// reader instance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/llm-reader/internal/blockade"
)

const defaultTable = "domain_blockades"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for blockade rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store reads and writes blockade rows.
type Store struct {
	pool  querier
	table string
	now   func() time.Time
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("blockade postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string, now func() time.Time) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, table: table, now: now}, nil
}

// EnsureSchema creates the blockade table and its lookup index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id             BIGSERIAL PRIMARY KEY,
	domain         TEXT        NOT NULL,
	trigger_reason TEXT        NOT NULL,
	trigger_url    TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	expire_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_domain_expire_idx ON %[1]s (domain, expire_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// IsBlocked implements blockade.Store.
func (s *Store) IsBlocked(ctx context.Context, host string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE domain = $1 AND expire_at > $2)`, s.table)
	var blocked bool
	if err := s.pool.QueryRow(ctx, query, blockade.NormalizeDomain(host), s.now()).Scan(&blocked); err != nil {
		return false, fmt.Errorf("query blockade: %w", err)
	}
	return blocked, nil
}

// Active implements blockade.Store.
func (s *Store) Active(ctx context.Context, host string) (*blockade.Blockade, error) {
	query := fmt.Sprintf(`
SELECT domain, trigger_reason, trigger_url, created_at, expire_at
FROM %s
WHERE domain = $1 AND expire_at > $2
ORDER BY expire_at DESC
LIMIT 1`, s.table)
	var b blockade.Blockade
	err := s.pool.QueryRow(ctx, query, blockade.NormalizeDomain(host), s.now()).Scan(
		&b.Domain, &b.TriggerReason, &b.TriggerURL, &b.CreatedAt, &b.ExpireAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active blockade: %w", err)
	}
	return &b, nil
}

// Record implements blockade.Store.
func (s *Store) Record(ctx context.Context, domain, reason, triggerURL string, d time.Duration) error {
	now := s.now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (domain, trigger_reason, trigger_url, created_at, expire_at)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, blockade.NormalizeDomain(domain), reason, triggerURL, now, now.Add(d)); err != nil {
		return fmt.Errorf("insert blockade: %w", err)
	}
	return nil
}

// Purge implements blockade.Store.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expire_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge blockades: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
