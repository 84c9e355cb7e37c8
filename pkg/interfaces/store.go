package interfaces

import (
	"context"

	"gatecheck/pkg/types"
)

// EntityStore is the persistence contract the engine consumes. The CRUD
// collaborator owns the full entity schemas; the engine needs sessions,
// participants, check-in records with a unique (session, participant)
// index, the immutable attempt log, and the persisted trigger jobs.
type EntityStore interface {
	// Session operations. UpdateSessionStatus writes only the status
	// column so a trigger never clobbers concurrent field edits.
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	UpdateSession(ctx context.Context, session *types.Session) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*types.Session, error)

	// Participant lookups resolve either a direct ID or a scanned badge code.
	CreateParticipant(ctx context.Context, participant *types.Participant) error
	GetParticipant(ctx context.Context, participantID string) (*types.Participant, error)
	FindParticipantByBadge(ctx context.Context, badgeCode string) (*types.Participant, error)

	// Check-in records. CreateCheckInRecord returns ErrDuplicateCheckIn
	// when the unique (session_id, participant_id) index rejects the row.
	CreateCheckInRecord(ctx context.Context, record *types.CheckInRecord) error
	FindCheckInRecord(ctx context.Context, sessionID, participantID string) (*types.CheckInRecord, error)
	DeleteCheckInRecord(ctx context.Context, sessionID, participantID string) (bool, error)
	CountCheckInRecords(ctx context.Context, sessionID string) (int, error)
	ListCheckInRecords(ctx context.Context, sessionID string) ([]*types.CheckInRecord, error)

	// Attempt log, append-only.
	CreateAttempt(ctx context.Context, attempt *types.CheckInAttempt) error
	ListAttempts(ctx context.Context, sessionID string) ([]*types.CheckInAttempt, error)

	// Persisted trigger jobs for the scheduler.
	CreateScheduledJob(ctx context.Context, job *types.ScheduledJob) error
	DeleteScheduledJobs(ctx context.Context, sessionID string) error
	DeleteScheduledJob(ctx context.Context, jobID string) error
	ListScheduledJobs(ctx context.Context) ([]*types.ScheduledJob, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
