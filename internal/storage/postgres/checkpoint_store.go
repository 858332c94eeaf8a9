// Package postgres provides a Postgres-backed checkpoint store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// DefaultTable holds one row per completed segment.
const DefaultTable = "processed_segments"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for checkpoint rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// CheckpointStore implements corpus.CheckpointStore.
type CheckpointStore struct {
	pool  queryExecCloser
	table string
	now   func() time.Time
}

// NewCheckpointStore connects to Postgres using the provided config.
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewCheckpointStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(pool queryExecCloser, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{
		pool:  pool,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the checkpoint table if it does not exist.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL,
		segment_id TEXT PRIMARY KEY,
		completed_at TIMESTAMPTZ NOT NULL
	)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return nil
}

// Load returns completed segments in completion order.
func (s *CheckpointStore) Load(ctx context.Context) ([]corpus.SegmentID, error) {
	query := fmt.Sprintf(`SELECT segment_id FROM %s ORDER BY seq`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer rows.Close()

	var ids []corpus.SegmentID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		ids = append(ids, corpus.SegmentID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}
	return ids, nil
}

// Save inserts every id in one statement; ids already present are left alone,
// so repeated saves of a growing set are idempotent.
func (s *CheckpointStore) Save(ctx context.Context, ids []corpus.SegmentID) error {
	if len(ids) == 0 {
		return nil
	}
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = string(id)
	}
	query := fmt.Sprintf(`INSERT INTO %s (segment_id, completed_at)
		SELECT unnest($1::text[]), $2
		ON CONFLICT (segment_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, values, s.now()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *CheckpointStore) Close() {
	s.pool.Close()
}
