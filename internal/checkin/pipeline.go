package checkin

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"gatecheck/internal/lifecycle"
	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Result is the admission decision returned to the caller. Declines are
// first-class outcomes, never errors.
type Result struct {
	Outcome     string               `json:"outcome"`
	Reason      string               `json:"reason,omitempty"`
	Late        bool                 `json:"late"`
	Record      *types.CheckInRecord `json:"record,omitempty"`
	Participant *types.Participant   `json:"participant,omitempty"`
}

// Pipeline validates a check-in request end to end: participant
// resolution, session openness, duplicate detection, capacity
// reservation, lateness. Every invocation writes exactly one attempt row
// regardless of outcome or failure path; any failure after a successful
// reservation releases the slot again so the gate and the records never
// diverge.
type Pipeline struct {
	store          interfaces.EntityStore
	gate           interfaces.CounterStore
	broadcaster    interfaces.Broadcaster
	engine         *lifecycle.Engine
	policy         BadgePolicy
	reserveTimeout time.Duration

	now func() time.Time
}

// NewPipeline wires the decision pipeline.
func NewPipeline(store interfaces.EntityStore, gate interfaces.CounterStore,
	broadcaster interfaces.Broadcaster, engine *lifecycle.Engine,
	policy BadgePolicy, reserveTimeout time.Duration) *Pipeline {
	if policy == nil {
		policy = DefaultBadgePolicy
	}
	if reserveTimeout <= 0 {
		reserveTimeout = 2 * time.Second
	}
	return &Pipeline{
		store:          store,
		gate:           gate,
		broadcaster:    broadcaster,
		engine:         engine,
		policy:         policy,
		reserveTimeout: reserveTimeout,
		now:            time.Now,
	}
}

// Attempt runs one admission decision.
func (p *Pipeline) Attempt(ctx context.Context, sessionID, identifier, method string) (*Result, error) {
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}
	if !types.IsValidMethod(method) {
		return nil, ErrInvalidMethod
	}

	now := p.now()
	attempt := &types.CheckInAttempt{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Method:    method,
		Outcome:   types.OutcomeDeclined,
		Reason:    types.ReasonInternalError,
		Timestamp: now,
	}
	// The attempt row is the audit trail; the deferred write runs on
	// every exit path, panics included.
	defer p.recordAttempt(attempt)

	// Step 1: resolve the participant from a direct ID or a badge code.
	participant, err := p.resolveParticipant(ctx, identifier)
	if err == interfaces.ErrParticipantNotFound {
		attempt.RawCode = identifier
		return p.decline(attempt, types.ReasonUnknownCode), nil
	}
	if err != nil {
		log.Printf("Check-in: participant lookup failed for %q: %v", identifier, err)
		return p.decline(attempt, types.ReasonInternalError), nil
	}
	attempt.ParticipantID = participant.ID

	// Step 2: the session must be open. The stored status may lag a
	// missed trigger, so the time-derived status is authoritative here.
	session, err := p.store.GetSession(ctx, sessionID)
	if err == interfaces.ErrSessionNotFound {
		return p.declineFor(attempt, participant, types.ReasonSessionNotOpen), nil
	}
	if err != nil {
		log.Printf("Check-in: session read failed for %s: %v", sessionID, err)
		return p.decline(attempt, types.ReasonInternalError), nil
	}
	if p.engine.StatusFor(session, now) != types.StatusOpen {
		return p.declineFor(attempt, participant, types.ReasonSessionNotOpen), nil
	}

	// Step 3: duplicate detection. The unique index is the backstop for
	// the race between this check and the insert.
	if _, err := p.store.FindCheckInRecord(ctx, sessionID, participant.ID); err == nil {
		return p.declineFor(attempt, participant, types.ReasonAlreadyCheckedIn), nil
	} else if err != interfaces.ErrRecordNotFound {
		log.Printf("Check-in: duplicate lookup failed for %s/%s: %v", sessionID, participant.ID, err)
		return p.decline(attempt, types.ReasonInternalError), nil
	}

	// Step 4: capacity reservation, bounded and fail-closed. A gate error
	// or timeout declines as capacity_full rather than overbooking under
	// doubt.
	reserveCtx, cancel := context.WithTimeout(ctx, p.reserveTimeout)
	reserved, err := p.gate.Reserve(reserveCtx, sessionID, session.Capacity)
	cancel()
	if err != nil {
		log.Printf("Check-in: reservation failed for session %s, failing closed: %v", sessionID, err)
		return p.declineFor(attempt, participant, types.ReasonCapacityFull), nil
	}
	if !reserved {
		return p.declineFor(attempt, participant, types.ReasonCapacityFull), nil
	}

	// Step 5: lateness against the session's effective threshold.
	late := now.After(session.StartTime.Add(session.LateAfter(p.engine.Defaults().LateThreshold)))
	attempt.Late = late

	// Step 6: write the record; release the slot on any failure.
	record := &types.CheckInRecord{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ParticipantID: participant.ID,
		Method:        method,
		Late:          late,
		BadgeType:     p.policy(participant),
		CheckedInAt:   now,
	}
	if err := p.store.CreateCheckInRecord(ctx, record); err != nil {
		p.release(sessionID)
		if err == interfaces.ErrDuplicateCheckIn {
			return p.declineFor(attempt, participant, types.ReasonAlreadyCheckedIn), nil
		}
		log.Printf("Check-in: record write failed for %s/%s: %v", sessionID, participant.ID, err)
		return p.decline(attempt, types.ReasonInternalError), nil
	}

	attempt.Outcome = types.OutcomeAccepted
	attempt.Reason = ""

	// Step 7: notify subscribers.
	payload := map[string]interface{}{
		"session_id":     sessionID,
		"participant_id": participant.ID,
		"name":           participant.Name,
		"method":         method,
		"late":           late,
		"badge_type":     record.BadgeType,
	}
	p.publish(types.TopicSessions, types.EventCheckinAccepted, payload)
	p.publish(types.SessionTopic(sessionID), types.EventCheckinAccepted, payload)
	p.publish(types.ParticipantTopic(participant.ID), types.EventCheckinAccepted, payload)
	p.publishUpdate(sessionID)

	return &Result{
		Outcome:     types.OutcomeAccepted,
		Late:        late,
		Record:      record,
		Participant: participant,
	}, nil
}

// Undo reverses a check-in: the record is deleted and the capacity slot
// released. The attempt log keeps the original accepted entry; the audit
// trail is never rewritten.
func (p *Pipeline) Undo(ctx context.Context, sessionID, participantID string) error {
	deleted, err := p.store.DeleteCheckInRecord(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	if !deleted {
		return interfaces.ErrRecordNotFound
	}
	p.release(sessionID)
	p.publishUpdate(sessionID)
	return nil
}

func (p *Pipeline) resolveParticipant(ctx context.Context, identifier string) (*types.Participant, error) {
	participant, err := p.store.GetParticipant(ctx, identifier)
	if err == nil {
		return participant, nil
	}
	if err != interfaces.ErrParticipantNotFound {
		return nil, err
	}
	return p.store.FindParticipantByBadge(ctx, identifier)
}

func (p *Pipeline) decline(attempt *types.CheckInAttempt, reason string) *Result {
	return p.declineFor(attempt, nil, reason)
}

func (p *Pipeline) declineFor(attempt *types.CheckInAttempt, participant *types.Participant, reason string) *Result {
	attempt.Outcome = types.OutcomeDeclined
	attempt.Reason = reason

	payload := map[string]interface{}{
		"session_id": attempt.SessionID,
		"reason":     reason,
		"method":     attempt.Method,
	}
	if participant != nil {
		payload["participant_id"] = participant.ID
		payload["name"] = participant.Name
	} else if attempt.RawCode != "" {
		payload["raw_code"] = attempt.RawCode
	}
	p.publish(types.TopicSessions, types.EventCheckinDeclined, payload)
	p.publish(types.SessionTopic(attempt.SessionID), types.EventCheckinDeclined, payload)

	return &Result{
		Outcome:     types.OutcomeDeclined,
		Reason:      reason,
		Participant: participant,
	}
}

// recordAttempt appends the audit row. It uses its own context so a
// cancelled request cannot skip the audit trail.
func (p *Pipeline) recordAttempt(attempt *types.CheckInAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.CreateAttempt(ctx, attempt); err != nil {
		log.Printf("ALERT: failed to record check-in attempt %s for session %s: %v",
			attempt.ID, attempt.SessionID, err)
	}
}

// release is the compensating action after a failed step that follows a
// successful reservation.
func (p *Pipeline) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.gate.Release(ctx, sessionID); err != nil {
		log.Printf("ALERT: failed to release capacity slot for session %s: %v", sessionID, err)
	}
}

func (p *Pipeline) publishUpdate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	count, err := p.store.CountCheckInRecords(ctx, sessionID)
	cancel()
	if err != nil {
		log.Printf("Failed to count check-ins for session %s: %v", sessionID, err)
	}
	payload := map[string]interface{}{
		"session_id": sessionID,
		"checked_in": count,
	}
	p.publish(types.TopicSessions, types.EventCheckinUpdate, payload)
	p.publish(types.SessionTopic(sessionID), types.EventCheckinUpdate, payload)
}

func (p *Pipeline) publish(topic, eventType string, payload map[string]interface{}) {
	if p.broadcaster == nil {
		return
	}
	err := p.broadcaster.Publish(&types.Event{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: p.now(),
	})
	if err != nil {
		log.Printf("Failed to publish %s to %s: %v", eventType, topic, err)
	}
}
