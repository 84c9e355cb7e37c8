package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Manager implements interfaces.EntityStore on SQLite. All writes funnel
// through a single goroutine; SQLite allows one writer at a time and the
// serialized queue avoids busy-wait contention under concurrent check-ins.
type Manager struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the schema, and starts the
// writer goroutine.
func NewManager(path string, timeout time.Duration) (*Manager, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(timeout)
	db.SetConnMaxIdleTime(timeout / 3)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	m := &Manager{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isTransient(err) {
				log.Printf("Store write failed, retrying: %v", err)
				time.Sleep(100 * time.Millisecond)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			// The operation still completes in the writer; only the
			// caller stops waiting.
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// isTransient reports whether a write is worth a single in-loop retry.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateSession inserts a new session row.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO sessions (id, title, location, start_time, end_time, capacity,
				status, manual_override, manually_opened, open_lead_time,
				end_grace_period, late_threshold, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.Title, session.Location,
			session.StartTime, session.EndTime, session.Capacity,
			session.Status, session.ManualOverride, session.ManuallyOpened,
			int64(session.OpenLeadTime), int64(session.EndGracePeriod), int64(session.LateThreshold),
			session.CreatedAt, session.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, title, location, start_time, end_time, capacity, status,
			manual_override, manually_opened, open_lead_time, end_grace_period,
			late_threshold, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*types.Session, error) {
	var s types.Session
	var lead, grace, late int64
	err := row.Scan(&s.ID, &s.Title, &s.Location, &s.StartTime, &s.EndTime,
		&s.Capacity, &s.Status, &s.ManualOverride, &s.ManuallyOpened,
		&lead, &grace, &late, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.OpenLeadTime = time.Duration(lead)
	s.EndGracePeriod = time.Duration(grace)
	s.LateThreshold = time.Duration(late)
	return &s, nil
}

// UpdateSession rewrites every engine-owned session field.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.Exec(`
			UPDATE sessions SET title = ?, location = ?, start_time = ?, end_time = ?,
				capacity = ?, status = ?, manual_override = ?, manually_opened = ?,
				open_lead_time = ?, end_grace_period = ?, late_threshold = ?, updated_at = ?
			WHERE id = ?`,
			session.Title, session.Location, session.StartTime, session.EndTime,
			session.Capacity, session.Status, session.ManualOverride, session.ManuallyOpened,
			int64(session.OpenLeadTime), int64(session.EndGracePeriod), int64(session.LateThreshold),
			time.Now(), session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// UpdateSessionStatus writes only the status column so a trigger cannot
// clobber a concurrent edit of other fields.
func (m *Manager) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	if !types.IsValidStatus(status) {
		return types.ErrInvalidStatus
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.Exec(
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// DeleteSession removes a session row. Attempts and records stay: they
// are the audit trail.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return interfaces.ErrSessionNotFound
		}
		return nil
	})
}

// ListSessions returns all sessions ordered by start time.
func (m *Manager) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, location, start_time, end_time, capacity, status,
			manual_override, manually_opened, open_lead_time, end_grace_period,
			late_threshold, created_at, updated_at
		FROM sessions ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var s types.Session
		var lead, grace, late int64
		if err := rows.Scan(&s.ID, &s.Title, &s.Location, &s.StartTime, &s.EndTime,
			&s.Capacity, &s.Status, &s.ManualOverride, &s.ManuallyOpened,
			&lead, &grace, &late, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.OpenLeadTime = time.Duration(lead)
		s.EndGracePeriod = time.Duration(grace)
		s.LateThreshold = time.Duration(late)
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// CreateParticipant inserts a participant row.
func (m *Manager) CreateParticipant(ctx context.Context, participant *types.Participant) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO participants (id, name, email, badge_code, registered)
			VALUES (?, ?, ?, ?, ?)`,
			participant.ID, participant.Name, participant.Email,
			participant.BadgeCode, participant.Registered)
		if err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}
		return nil
	})
}

// GetParticipant retrieves a participant by ID.
func (m *Manager) GetParticipant(ctx context.Context, participantID string) (*types.Participant, error) {
	return m.scanParticipant(m.db.QueryRowContext(ctx, `
		SELECT id, name, email, badge_code, registered
		FROM participants WHERE id = ?`, participantID))
}

// FindParticipantByBadge resolves a scanned badge code.
func (m *Manager) FindParticipantByBadge(ctx context.Context, badgeCode string) (*types.Participant, error) {
	return m.scanParticipant(m.db.QueryRowContext(ctx, `
		SELECT id, name, email, badge_code, registered
		FROM participants WHERE badge_code = ?`, badgeCode))
}

func (m *Manager) scanParticipant(row *sql.Row) (*types.Participant, error) {
	var p types.Participant
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.BadgeCode, &p.Registered)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &p, nil
}

// CreateCheckInRecord inserts the attendance proof. The unique
// (session_id, participant_id) index turns a duplicate into
// interfaces.ErrDuplicateCheckIn.
func (m *Manager) CreateCheckInRecord(ctx context.Context, record *types.CheckInRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO checkin_records (id, session_id, participant_id, method, late, badge_type, checked_in_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.SessionID, record.ParticipantID,
			record.Method, record.Late, record.BadgeType, record.CheckedInAt)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateCheckIn
			}
			return fmt.Errorf("failed to create check-in record: %w", err)
		}
		return nil
	})
}

// FindCheckInRecord looks up the record for one (session, participant) pair.
func (m *Manager) FindCheckInRecord(ctx context.Context, sessionID, participantID string) (*types.CheckInRecord, error) {
	var r types.CheckInRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, participant_id, method, late, badge_type, checked_in_at
		FROM checkin_records WHERE session_id = ? AND participant_id = ?`,
		sessionID, participantID).
		Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.Method, &r.Late, &r.BadgeType, &r.CheckedInAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find check-in record: %w", err)
	}
	return &r, nil
}

// DeleteCheckInRecord removes a record (check-in undo). Returns whether a
// row existed so the caller knows if a capacity slot must be released.
func (m *Manager) DeleteCheckInRecord(ctx context.Context, sessionID, participantID string) (bool, error) {
	var deleted bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.Exec(
			`DELETE FROM checkin_records WHERE session_id = ? AND participant_id = ?`,
			sessionID, participantID)
		if err != nil {
			return fmt.Errorf("failed to delete check-in record: %w", err)
		}
		rows, _ := result.RowsAffected()
		deleted = rows > 0
		return nil
	})
	return deleted, err
}

// CountCheckInRecords returns the true attendance count for a session.
func (m *Manager) CountCheckInRecords(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_records WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count check-in records: %w", err)
	}
	return count, nil
}

// ListCheckInRecords returns a session's records in check-in order.
func (m *Manager) ListCheckInRecords(ctx context.Context, sessionID string) ([]*types.CheckInRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, participant_id, method, late, badge_type, checked_in_at
		FROM checkin_records WHERE session_id = ? ORDER BY checked_in_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list check-in records: %w", err)
	}
	defer rows.Close()

	var records []*types.CheckInRecord
	for rows.Next() {
		var r types.CheckInRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.Method,
			&r.Late, &r.BadgeType, &r.CheckedInAt); err != nil {
			return nil, fmt.Errorf("failed to scan check-in record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// CreateAttempt appends to the admission audit log.
func (m *Manager) CreateAttempt(ctx context.Context, attempt *types.CheckInAttempt) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var participantID interface{}
		if attempt.ParticipantID != "" {
			participantID = attempt.ParticipantID
		}
		_, err := db.Exec(`
			INSERT INTO checkin_attempts (id, session_id, participant_id, raw_code,
				outcome, reason, method, late, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			attempt.ID, attempt.SessionID, participantID, attempt.RawCode,
			attempt.Outcome, attempt.Reason, attempt.Method, attempt.Late, attempt.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to create attempt: %w", err)
		}
		return nil
	})
}

// ListAttempts returns the ordered audit log for a session.
func (m *Manager) ListAttempts(ctx context.Context, sessionID string) ([]*types.CheckInAttempt, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, participant_id, raw_code, outcome, reason, method, late, timestamp
		FROM checkin_attempts WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*types.CheckInAttempt
	for rows.Next() {
		var a types.CheckInAttempt
		var participantID sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &participantID, &a.RawCode,
			&a.Outcome, &a.Reason, &a.Method, &a.Late, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.ParticipantID = participantID.String
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// CreateScheduledJob persists a trigger job before its timer arms.
func (m *Manager) CreateScheduledJob(ctx context.Context, job *types.ScheduledJob) error {
	if !types.IsValidTriggerKind(job.Kind) {
		return types.ErrInvalidTriggerKind
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO scheduled_jobs (id, session_id, kind, fire_at, generation)
			VALUES (?, ?, ?, ?, ?)`,
			job.ID, job.SessionID, job.Kind, job.FireAt, job.Generation)
		if err != nil {
			return fmt.Errorf("failed to create scheduled job: %w", err)
		}
		return nil
	})
}

// DeleteScheduledJobs removes every job for a session (reschedule or delete).
func (m *Manager) DeleteScheduledJobs(ctx context.Context, sessionID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.Exec(`DELETE FROM scheduled_jobs WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("failed to delete scheduled jobs: %w", err)
		}
		return nil
	})
}

// DeleteScheduledJob removes a single fired job.
func (m *Manager) DeleteScheduledJob(ctx context.Context, jobID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, jobID); err != nil {
			return fmt.Errorf("failed to delete scheduled job: %w", err)
		}
		return nil
	})
}

// ListScheduledJobs returns all persisted jobs for startup re-arming.
func (m *Manager) ListScheduledJobs(ctx context.Context) ([]*types.ScheduledJob, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, session_id, kind, fire_at, generation FROM scheduled_jobs ORDER BY fire_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.ScheduledJob
	for rows.Next() {
		var j types.ScheduledJob
		if err := rows.Scan(&j.ID, &j.SessionID, &j.Kind, &j.FireAt, &j.Generation); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// HealthCheck verifies connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	var one int
	if err := m.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// DB exposes the handle for components that share the database file
// (the SQLite counter store).
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
