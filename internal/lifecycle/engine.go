package lifecycle

import (
	"context"
	"log"
	"time"

	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Defaults are the system-wide timing values sessions fall back to, plus
// the retry policy for persisting trigger transitions.
type Defaults struct {
	OpenLead      time.Duration
	EndGrace      time.Duration
	LateThreshold time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Engine owns the session state machine:
//
//	scheduled -> open   (auto-open trigger, or manual open)
//	open      -> ended  (auto-end trigger)
//	*         -> closed (manual only)
//	closed    -> *      (manual reopen only)
//
// Triggers are idempotent: the handler re-reads current state and applies
// a transition only while it is still valid, so a duplicate fire is a
// no-op.
type Engine struct {
	store       interfaces.EntityStore
	scheduler   interfaces.TriggerScheduler
	broadcaster interfaces.Broadcaster
	counter     interfaces.CounterStore
	defaults    Defaults

	now func() time.Time
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(store interfaces.EntityStore, sched interfaces.TriggerScheduler,
	broadcaster interfaces.Broadcaster, counter interfaces.CounterStore, defaults Defaults) *Engine {
	if defaults.RetryAttempts <= 0 {
		defaults.RetryAttempts = 3
	}
	if defaults.RetryBackoff <= 0 {
		defaults.RetryBackoff = 500 * time.Millisecond
	}
	return &Engine{
		store:       store,
		scheduler:   sched,
		broadcaster: broadcaster,
		counter:     counter,
		defaults:    defaults,
		now:         time.Now,
	}
}

// Defaults returns the engine's effective timing defaults.
func (e *Engine) Defaults() Defaults {
	return e.defaults
}

// StatusFor computes the status a session should have at the given
// instant. Manual close wins over everything; a force-opened session
// stays open until its end grace elapses. This is also the status-on-read
// fallback when a stored status is stale.
func (e *Engine) StatusFor(session *types.Session, now time.Time) string {
	if session.Status == types.StatusClosed {
		return types.StatusClosed
	}
	if !now.Before(session.EndTime.Add(session.EndGrace(e.defaults.EndGrace))) {
		return types.StatusEnded
	}
	if session.ManuallyOpened {
		return types.StatusOpen
	}
	if now.Before(session.StartTime.Add(-session.OpenLead(e.defaults.OpenLead))) {
		return types.StatusScheduled
	}
	return types.StatusOpen
}

// OnSessionMutated recomputes the session's triggers after any create or
// update that may have changed its window or overrides, and notifies
// dashboards.
func (e *Engine) OnSessionMutated(ctx context.Context, session *types.Session) error {
	if err := e.scheduler.Schedule(ctx, session); err != nil {
		return err
	}
	e.publishSession(session, types.EventSessionUpdated)
	return nil
}

// OnSessionDeleted cancels triggers for a removed session. A trigger that
// already left the scheduler finds no session and no-ops.
func (e *Engine) OnSessionDeleted(ctx context.Context, sessionID string) error {
	if err := e.scheduler.Cancel(ctx, sessionID); err != nil {
		return err
	}
	e.publish(types.TopicSessions, types.EventSessionDeleted, map[string]interface{}{
		"session_id": sessionID,
	})
	e.publish(types.SessionTopic(sessionID), types.EventSessionDeleted, map[string]interface{}{
		"session_id": sessionID,
	})
	return nil
}

// HandleTrigger is the scheduler callback. It re-reads current state:
// the session may have been edited, manually closed, or deleted since the
// trigger was registered.
func (e *Engine) HandleTrigger(ctx context.Context, sessionID, kind string) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err == interfaces.ErrSessionNotFound {
		log.Printf("Trigger %s for deleted session %s, skipping", kind, sessionID)
		return
	}
	if err != nil {
		log.Printf("Trigger %s: failed to read session %s: %v", kind, sessionID, err)
		return
	}

	if session.Status == types.StatusClosed || session.ManualOverride {
		return
	}

	now := e.now()
	var target string
	switch kind {
	case types.TriggerOpen:
		if session.Status == types.StatusOpen {
			return
		}
		if e.StatusFor(session, now) != types.StatusOpen {
			return
		}
		target = types.StatusOpen
	case types.TriggerEnd:
		if session.Status == types.StatusEnded {
			return
		}
		if e.StatusFor(session, now) != types.StatusEnded {
			return
		}
		target = types.StatusEnded
	default:
		log.Printf("Unknown trigger kind %q for session %s", kind, sessionID)
		return
	}

	e.applyStatus(ctx, session, target)
}

// applyStatus persists a transition with bounded retry. Permanent failure
// is an operational alert, not a crash: status is recomputed from time on
// read, so the next read self-corrects.
func (e *Engine) applyStatus(ctx context.Context, session *types.Session, status string) {
	var err error
	for attempt := 1; attempt <= e.defaults.RetryAttempts; attempt++ {
		err = e.store.UpdateSessionStatus(ctx, session.ID, status)
		if err == nil {
			break
		}
		if err == interfaces.ErrSessionNotFound {
			log.Printf("Session %s deleted during %s transition, skipping", session.ID, status)
			return
		}
		if attempt < e.defaults.RetryAttempts {
			time.Sleep(e.defaults.RetryBackoff * time.Duration(attempt))
		}
	}
	if err != nil {
		log.Printf("ALERT: failed to persist status %s for session %s after %d attempts: %v",
			status, session.ID, e.defaults.RetryAttempts, err)
		return
	}

	previous := session.Status
	session.Status = status
	log.Printf("Session %s status %s -> %s", session.ID, previous, status)

	payload := map[string]interface{}{
		"session_id":      session.ID,
		"title":           session.Title,
		"status":          status,
		"previous_status": previous,
	}
	e.publish(types.TopicSessions, types.EventSessionStatus, payload)
	e.publish(types.SessionTopic(session.ID), types.EventSessionStatus, payload)
}

// ManualOpen force-opens a session ahead of its window. The auto-open
// trigger is suppressed while the auto-end trigger still applies.
func (e *Engine) ManualOpen(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.Status = types.StatusOpen
	session.ManuallyOpened = true
	session.ManualOverride = false
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	if err := e.scheduler.Schedule(ctx, session); err != nil {
		return nil, err
	}
	e.publishStatus(session, types.StatusOpen)
	return session, nil
}

// ManualClose disables a session. Closed takes precedence over every
// time-driven state until an explicit reopen.
func (e *Engine) ManualClose(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.Status = types.StatusClosed
	session.ManualOverride = true
	session.ManuallyOpened = false
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	// Schedule with the override set clears all automatic triggers.
	if err := e.scheduler.Schedule(ctx, session); err != nil {
		return nil, err
	}
	e.publishStatus(session, types.StatusClosed)
	return session, nil
}

// Reopen clears a manual close and returns the session to its
// time-derived status.
func (e *Engine) Reopen(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.StatusClosed {
		return nil, ErrSessionNotClosed
	}

	session.ManualOverride = false
	session.ManuallyOpened = false
	// Leave closed before recomputing and StatusFor would short-circuit.
	session.Status = types.StatusScheduled
	session.Status = e.StatusFor(session, e.now())
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	if err := e.scheduler.Schedule(ctx, session); err != nil {
		return nil, err
	}
	e.publishStatus(session, session.Status)
	return session, nil
}

// Occupancy reads the live check-in count for a session.
func (e *Engine) Occupancy(ctx context.Context, sessionID string) int {
	value, err := e.counter.Value(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to read occupancy for session %s: %v", sessionID, err)
		return 0
	}
	return value
}

// Summary is the session payload shape dashboards consume.
func (e *Engine) Summary(ctx context.Context, session *types.Session) map[string]interface{} {
	return map[string]interface{}{
		"id":         session.ID,
		"title":      session.Title,
		"location":   session.Location,
		"start_time": session.StartTime,
		"end_time":   session.EndTime,
		"capacity":   session.Capacity,
		"status":     e.StatusFor(session, e.now()),
		"checked_in": e.Occupancy(ctx, session.ID),
	}
}

// SessionsSnapshot produces the full current state for the sessions
// topic, sent to every new subscriber before any delta.
func (e *Engine) SessionsSnapshot(ctx context.Context, topic string) (*types.Event, error) {
	sessions, err := e.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, e.Summary(ctx, session))
	}
	return &types.Event{
		Topic:     topic,
		Type:      types.EventSnapshot,
		Payload:   map[string]interface{}{"sessions": summaries},
		Timestamp: e.now(),
	}, nil
}

// SessionSnapshot produces the detail snapshot for a session:<id> topic.
func (e *Engine) SessionSnapshot(ctx context.Context, topic string) (*types.Event, error) {
	sessionID := topic[len(types.TopicPrefixSession):]
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListCheckInRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &types.Event{
		Topic: topic,
		Type:  types.EventSnapshot,
		Payload: map[string]interface{}{
			"session":  e.Summary(ctx, session),
			"checkins": records,
		},
		Timestamp: e.now(),
	}, nil
}

func (e *Engine) publishStatus(session *types.Session, status string) {
	payload := map[string]interface{}{
		"session_id": session.ID,
		"title":      session.Title,
		"status":     status,
	}
	e.publish(types.TopicSessions, types.EventSessionStatus, payload)
	e.publish(types.SessionTopic(session.ID), types.EventSessionStatus, payload)
}

func (e *Engine) publishSession(session *types.Session, eventType string) {
	payload := map[string]interface{}{
		"session_id": session.ID,
		"title":      session.Title,
		"status":     session.Status,
	}
	e.publish(types.TopicSessions, eventType, payload)
	e.publish(types.SessionTopic(session.ID), eventType, payload)
}

func (e *Engine) publish(topic, eventType string, payload map[string]interface{}) {
	if e.broadcaster == nil {
		return
	}
	err := e.broadcaster.Publish(&types.Event{
		Topic:     topic,
		Type:      eventType,
		Payload:   payload,
		Timestamp: e.now(),
	})
	if err != nil {
		log.Printf("Failed to publish %s to %s: %v", eventType, topic, err)
	}
}
