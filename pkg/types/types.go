package types

import (
	"time"
)

// Session status constants. Closed is manual-only and takes precedence
// over every time-driven state.
const (
	StatusScheduled = "scheduled"
	StatusOpen      = "open"
	StatusEnded     = "ended"
	StatusClosed    = "closed"
)

// Check-in attempt outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
)

// Decline reasons. Empty reason means the attempt was accepted.
const (
	ReasonSessionNotOpen   = "session_not_open"
	ReasonAlreadyCheckedIn = "already_checked_in"
	ReasonCapacityFull     = "capacity_full"
	ReasonUnknownCode      = "unknown_code"
	ReasonInternalError    = "internal_error"
)

// Check-in methods.
const (
	MethodManual = "manual"
	MethodScan   = "scan"
)

// Badge types assigned by the admission policy.
const (
	BadgeAttendee = "attendee"
	BadgeWalkIn   = "walk-in"
)

// Broadcast topics. Per-entity topics are built with SessionTopic and
// ParticipantTopic.
const (
	TopicSessions     = "sessions"
	TopicAmbassadors  = "ambassadors"
	TopicTravelGrants = "travel-grants"

	TopicPrefixSession     = "session:"
	TopicPrefixParticipant = "participant:"
)

// Event types carried on the fan-out channel.
const (
	EventSnapshot        = "snapshot"
	EventSessionUpdated  = "session_updated"
	EventSessionDeleted  = "session_deleted"
	EventSessionStatus   = "session_status"
	EventCheckinAccepted = "checkin_accepted"
	EventCheckinDeclined = "checkin_declined"
	EventCheckinUpdate   = "checkin_update"
)

// SessionTopic returns the detail topic for one session.
func SessionTopic(sessionID string) string {
	return TopicPrefixSession + sessionID
}

// ParticipantTopic returns the detail topic for one participant.
func ParticipantTopic(participantID string) string {
	return TopicPrefixParticipant + participantID
}

// Trigger kinds for scheduled status transitions.
const (
	TriggerOpen = "open"
	TriggerEnd  = "end"
)

// Session is a time-bounded, capacity-bounded activity participants check
// into. Status is a pure function of (window, overrides, now) except while
// manually closed; the scheduler transitions status and never touches other
// fields.
type Session struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Location  string    `json:"location" db:"location"`
	StartTime time.Time `json:"start_time" db:"start_time"`
	EndTime   time.Time `json:"end_time" db:"end_time"`

	// Capacity 0 means unlimited.
	Capacity int    `json:"capacity" db:"capacity"`
	Status   string `json:"status" db:"status"`

	// ManualOverride blocks automatic transitions entirely (manual close);
	// ManuallyOpened suppresses only the auto-open trigger while the
	// auto-end trigger still applies.
	ManualOverride bool `json:"manual_override" db:"manual_override"`
	ManuallyOpened bool `json:"manually_opened" db:"manually_opened"`

	// Per-session timing overrides; zero falls back to system defaults.
	OpenLeadTime   time.Duration `json:"open_lead_time" db:"open_lead_time"`
	EndGracePeriod time.Duration `json:"end_grace_period" db:"end_grace_period"`
	LateThreshold  time.Duration `json:"late_threshold" db:"late_threshold"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OpenLead returns the effective auto-open lead time.
func (s *Session) OpenLead(fallback time.Duration) time.Duration {
	if s.OpenLeadTime > 0 {
		return s.OpenLeadTime
	}
	return fallback
}

// EndGrace returns the effective auto-end grace period.
func (s *Session) EndGrace(fallback time.Duration) time.Duration {
	if s.EndGracePeriod > 0 {
		return s.EndGracePeriod
	}
	return fallback
}

// LateAfter returns the effective late threshold.
func (s *Session) LateAfter(fallback time.Duration) time.Duration {
	if s.LateThreshold > 0 {
		return s.LateThreshold
	}
	return fallback
}

// Unlimited reports whether the session has no capacity ceiling.
func (s *Session) Unlimited() bool {
	return s.Capacity <= 0
}

// Participant is an attendee known to the registration collaborator.
// BadgeCode is the scannable identifier printed on the badge.
type Participant struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	Email      string `json:"email" db:"email"`
	BadgeCode  string `json:"badge_code" db:"badge_code"`
	Registered bool   `json:"registered" db:"registered"`
}

// CheckInAttempt is the immutable audit record of one admission decision.
// Every pipeline invocation writes exactly one, accepted or declined.
type CheckInAttempt struct {
	ID            string    `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	ParticipantID string    `json:"participant_id,omitempty" db:"participant_id"`
	RawCode       string    `json:"raw_code,omitempty" db:"raw_code"`
	Outcome       string    `json:"outcome" db:"outcome"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	Method        string    `json:"method" db:"method"`
	Late          bool      `json:"late" db:"late"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// CheckInRecord is the durable proof of attendance. At most one exists per
// (session, participant) pair; the store enforces the unique index.
type CheckInRecord struct {
	ID            string    `json:"id" db:"id"`
	SessionID     string    `json:"session_id" db:"session_id"`
	ParticipantID string    `json:"participant_id" db:"participant_id"`
	Method        string    `json:"method" db:"method"`
	Late          bool      `json:"late" db:"late"`
	BadgeType     string    `json:"badge_type" db:"badge_type"`
	CheckedInAt   time.Time `json:"checked_in_at" db:"checked_in_at"`
}

// ScheduledJob is a persisted delayed trigger. Jobs survive restart and are
// re-armed on startup; Generation fences stale in-flight timers after a
// reschedule.
type ScheduledJob struct {
	ID         string    `json:"id" db:"id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	Kind       string    `json:"kind" db:"kind"`
	FireAt     time.Time `json:"fire_at" db:"fire_at"`
	Generation uint64    `json:"generation" db:"generation"`
}

// Event is a structured record delivered on the fan-out channel.
type Event struct {
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}
