package counter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements interfaces.CounterStore against a shared
// PostgreSQL instance. This is the backend for horizontally scaled
// deployments: every serving process races on the same guarded UPDATE, so
// the capacity invariant holds across machines.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the counter table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to counter store: %w", err)
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS capacity_counters (
			session_id TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure counter table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Reserve performs the compare-and-increment in one statement.
func (s *PostgresStore) Reserve(ctx context.Context, sessionID string, capacity int) (bool, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO capacity_counters (session_id, count) VALUES ($1, 0)
		 ON CONFLICT (session_id) DO NOTHING`, sessionID); err != nil {
		return false, fmt.Errorf("failed to seed counter: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE capacity_counters SET count = count + 1
		 WHERE session_id = $1 AND ($2 <= 0 OR count < $2)`,
		sessionID, capacity)
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release decrements the counter, floored at zero.
func (s *PostgresStore) Release(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE capacity_counters SET count = count - 1
		 WHERE session_id = $1 AND count > 0`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

// Set rewrites the counter to an absolute value.
func (s *PostgresStore) Set(ctx context.Context, sessionID string, count int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO capacity_counters (session_id, count) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET count = EXCLUDED.count`,
		sessionID, count)
	if err != nil {
		return fmt.Errorf("failed to set counter: %w", err)
	}
	return nil
}

// Value reads the counter, zero when the session has no row yet.
func (s *PostgresStore) Value(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM capacity_counters WHERE session_id = $1`, sessionID).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
