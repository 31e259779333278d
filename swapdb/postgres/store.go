// Package postgres implements swapdb.Store against a shared Postgres
// server, the alternative to the embedded bbolt default for daemons that
// need swap state visible outside a single process (spec.md §3's
// persistence interface is storage-agnostic by design).
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/shieldswap/swapd/swapdb"
)

// Store is a swapdb.Store backed by a Postgres table keyed on swap ID,
// holding only the latest CBOR-serialized state per swap; callers that
// need the full history should look to a separate audit table, out of
// scope here (spec.md §3 only requires recovering the latest state).
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and runs any pending migrations from
// migrationsPath (a "file://" URL per golang-migrate convention).
func Open(ctx context.Context, dsn, migrationsPath string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("swapdb/postgres: connect: %w", err)
	}

	if err := runMigrations(dsn, migrationsPath); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func runMigrations(dsn, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("swapdb/postgres: load migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("swapdb/postgres: migrate up: %w", err)
	}
	return nil
}

// InsertLatestState implements swapdb.Store via an upsert: the swaps table
// is keyed on swap_id, so a second insert for the same swap overwrites the
// previous state.
func (s *Store) InsertLatestState(ctx context.Context, swapID uuid.UUID, state []byte) error {
	const q = `
		INSERT INTO swaps (swap_id, state)
		VALUES ($1, $2)
		ON CONFLICT (swap_id) DO UPDATE SET state = EXCLUDED.state
	`
	_, err := s.pool.Exec(ctx, q, swapID, state)
	if err != nil {
		return fmt.Errorf("swapdb/postgres: insert state: %w", err)
	}
	return nil
}

// GetState implements swapdb.Store.
func (s *Store) GetState(ctx context.Context, swapID uuid.UUID) ([]byte, error) {
	const q = `SELECT state FROM swaps WHERE swap_id = $1`

	var state []byte
	err := s.pool.QueryRow(ctx, q, swapID).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return nil, swapdb.ErrNoState
		}
		return nil, fmt.Errorf("swapdb/postgres: get state: %w", err)
	}
	return state, nil
}

// All implements swapdb.Store.
func (s *Store) All(ctx context.Context) (map[uuid.UUID][]byte, error) {
	const q = `SELECT swap_id, state FROM swaps`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("swapdb/postgres: list swaps: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]byte)
	for rows.Next() {
		var id uuid.UUID
		var state []byte
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("swapdb/postgres: scan row: %w", err)
		}
		out[id] = state
	}
	return out, rows.Err()
}

// Close implements swapdb.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, used by callers that choose to INSERT rather than upsert
// latest state (e.g. an audit-log variant appending full history).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation
}
