// Package postgres provides an optional, durable chain.Store backed by
// PostgreSQL, for callers that want the Record Chain's state to survive a
// process restart instead of living only in memory. It sits outside the
// core's hot path — plugged in via client.Config.ChainStore, never imported
// by pkg/chain itself.
//
// Grounded on pkg/database/client.go's connection-pool setup
// (sql.Open("postgres", ...), SetMaxOpenConns/SetMaxIdleConns, PingContext).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/certen/verifactu-client/pkg/record"
)

// Store is a chain.Store backed by a single row, keyed by chainID, in a
// verifactu_chain_state table.
type Store struct {
	db      *sql.DB
	chainID string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxOpenConns bounds the connection pool (default: driver default).
func WithMaxOpenConns(n int) Option {
	return func(s *Store) { s.db.SetMaxOpenConns(n) }
}

// WithMaxIdleConns bounds idle pooled connections (default: driver default).
func WithMaxIdleConns(n int) Option {
	return func(s *Store) { s.db.SetMaxIdleConns(n) }
}

// Open connects to dsn and returns a Store scoped to chainID — the key that
// distinguishes one tenant's chain state from another's in a shared table —
// multiple clients with distinct chains can share one database.
func Open(dsn, chainID string, opts ...Option) (*Store, error) {
	if chainID == "" {
		return nil, fmt.Errorf("postgres: chainID must not be empty")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	store := &Store{db: db, chainID: chainID}
	for _, opt := range opts {
		opt(store)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the verifactu_chain_state table if it does not already
// exist. Callers that manage their own schema migrations can skip this and
// apply the equivalent DDL themselves.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS verifactu_chain_state (
	chain_id             TEXT PRIMARY KEY,
	previous_fingerprint TEXT NOT NULL DEFAULT '',
	previous_date        TIMESTAMPTZ NOT NULL,
	previous_series      TEXT NOT NULL DEFAULT '',
	previous_number      TEXT NOT NULL DEFAULT '',
	record_count         BIGINT NOT NULL DEFAULT 0,
	is_first             BOOLEAN NOT NULL DEFAULT TRUE
)`)
	if err != nil {
		return fmt.Errorf("postgres: failed to migrate verifactu_chain_state: %w", err)
	}
	return nil
}

// Load implements chain.Store. A chain that has never been persisted (no row
// yet) reads back as the fresh initial state, matching record.NewChainState.
func (s *Store) Load() (record.ChainState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var st record.ChainState
	row := s.db.QueryRowContext(ctx, `
SELECT previous_fingerprint, previous_date, previous_series, previous_number, record_count, is_first
FROM verifactu_chain_state WHERE chain_id = $1`, s.chainID)

	err := row.Scan(&st.PreviousFingerprint, &st.PreviousDate, &st.PreviousSeries, &st.PreviousNumber, &st.RecordCount, &st.IsFirst)
	if err == sql.ErrNoRows {
		return record.NewChainState(), nil
	}
	if err != nil {
		return record.ChainState{}, fmt.Errorf("postgres: failed to load chain state: %w", err)
	}
	return st, nil
}

// Save implements chain.Store, upserting the single row for this chainID.
func (s *Store) Save(st record.ChainState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO verifactu_chain_state (chain_id, previous_fingerprint, previous_date, previous_series, previous_number, record_count, is_first)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (chain_id) DO UPDATE SET
	previous_fingerprint = EXCLUDED.previous_fingerprint,
	previous_date        = EXCLUDED.previous_date,
	previous_series      = EXCLUDED.previous_series,
	previous_number      = EXCLUDED.previous_number,
	record_count         = EXCLUDED.record_count,
	is_first             = EXCLUDED.is_first`,
		s.chainID, st.PreviousFingerprint, st.PreviousDate, st.PreviousSeries, st.PreviousNumber, st.RecordCount, st.IsFirst)
	if err != nil {
		return fmt.Errorf("postgres: failed to save chain state: %w", err)
	}
	return nil
}
