package counter

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore implements interfaces.CounterStore against the entity
// store's database file. The guarded UPDATE is a single statement, so the
// check-and-increment is atomic for every process sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle. The capacity_counters
// table is created by the store schema.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Reserve performs the compare-and-increment. Capacity <= 0 admits
// unconditionally but still counts occupancy.
func (s *SQLiteStore) Reserve(ctx context.Context, sessionID string, capacity int) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO capacity_counters (session_id, count) VALUES (?, 0)
		 ON CONFLICT(session_id) DO NOTHING`, sessionID); err != nil {
		return false, fmt.Errorf("failed to seed counter: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE capacity_counters SET count = count + 1
		 WHERE session_id = ? AND (? <= 0 OR count < ?)`,
		sessionID, capacity, capacity)
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reserve result: %w", err)
	}
	return rows > 0, nil
}

// Release decrements the counter, floored at zero.
func (s *SQLiteStore) Release(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE capacity_counters SET count = count - 1
		 WHERE session_id = ? AND count > 0`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

// Set rewrites the counter to an absolute value.
func (s *SQLiteStore) Set(ctx context.Context, sessionID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capacity_counters (session_id, count) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET count = excluded.count`,
		sessionID, count)
	if err != nil {
		return fmt.Errorf("failed to set counter: %w", err)
	}
	return nil
}

// Value reads the counter, zero when the session has no row yet.
func (s *SQLiteStore) Value(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM capacity_counters WHERE session_id = ?`, sessionID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, nil
}

// Close is a no-op; the database handle belongs to the entity store.
func (s *SQLiteStore) Close() error {
	return nil
}
