package store

// Engine-owned tables. The CRUD collaborator owns the full entity
// schemas; these are the columns the engine reads and writes. Durations
// are stored as integer nanoseconds, times as DATETIME.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL,
	location         TEXT NOT NULL DEFAULT '',
	start_time       DATETIME NOT NULL,
	end_time         DATETIME NOT NULL,
	capacity         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'scheduled',
	manual_override  BOOLEAN NOT NULL DEFAULT 0,
	manually_opened  BOOLEAN NOT NULL DEFAULT 0,
	open_lead_time   INTEGER NOT NULL DEFAULT 0,
	end_grace_period INTEGER NOT NULL DEFAULT 0,
	late_threshold   INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	badge_code TEXT NOT NULL UNIQUE,
	registered BOOLEAN NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS checkin_records (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	method         TEXT NOT NULL,
	late           BOOLEAN NOT NULL DEFAULT 0,
	badge_type     TEXT NOT NULL DEFAULT '',
	checked_in_at  DATETIME NOT NULL,
	UNIQUE(session_id, participant_id)
);

CREATE INDEX IF NOT EXISTS idx_checkin_records_session
	ON checkin_records(session_id);

CREATE TABLE IF NOT EXISTS checkin_attempts (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	participant_id TEXT,
	raw_code       TEXT NOT NULL DEFAULT '',
	outcome        TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	method         TEXT NOT NULL,
	late           BOOLEAN NOT NULL DEFAULT 0,
	timestamp      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkin_attempts_session
	ON checkin_attempts(session_id, timestamp);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	fire_at    DATETIME NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_session
	ON scheduled_jobs(session_id);

CREATE TABLE IF NOT EXISTS capacity_counters (
	session_id TEXT PRIMARY KEY,
	count      INTEGER NOT NULL DEFAULT 0
);
`
