package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

// Scheduler owns the delayed open/end triggers for every session. Jobs are
// persisted before their timers arm so transitions survive restart;
// per-session generation numbers fence stale in-flight timers after a
// reschedule, so a reschedule atomically supersedes anything already
// queued.
type Scheduler struct {
	store    interfaces.EntityStore
	handler  interfaces.TriggerHandler
	openLead time.Duration
	endGrace time.Duration

	mu          sync.Mutex
	timers      map[string][]*time.Timer
	generations map[string]uint64
	closed      bool

	now func() time.Time
}

// NewScheduler creates a scheduler with the system default lead and grace
// times. The trigger handler is wired afterwards via SetHandler because
// the lifecycle engine and the scheduler reference each other.
func NewScheduler(store interfaces.EntityStore, openLead, endGrace time.Duration) *Scheduler {
	return &Scheduler{
		store:       store,
		openLead:    openLead,
		endGrace:    endGrace,
		timers:      make(map[string][]*time.Timer),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// SetHandler installs the trigger callback. Must be called before
// Schedule or LoadPending.
func (s *Scheduler) SetHandler(handler interfaces.TriggerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Schedule replaces the session's registered triggers with freshly
// computed ones. Triggers whose time already passed fire immediately so a
// late-created session still reaches the correct status.
func (s *Scheduler) Schedule(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	if s.handler == nil {
		s.mu.Unlock()
		return ErrNoHandler
	}

	generation := s.generations[session.ID] + 1
	s.generations[session.ID] = generation
	s.stopTimersLocked(session.ID)
	s.mu.Unlock()

	if err := s.store.DeleteScheduledJobs(ctx, session.ID); err != nil {
		return err
	}

	now := s.now()
	for _, job := range s.computeTriggers(session, now) {
		job.Generation = generation
		if err := s.store.CreateScheduledJob(ctx, job); err != nil {
			return err
		}
		s.arm(job, generation, now)
	}
	return nil
}

// Cancel removes the session's triggers (session deleted). A trigger
// already in flight observes the bumped generation and no-ops.
func (s *Scheduler) Cancel(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	s.generations[sessionID]++
	s.stopTimersLocked(sessionID)
	s.mu.Unlock()

	return s.store.DeleteScheduledJobs(ctx, sessionID)
}

// LoadPending re-arms every persisted job after a restart.
func (s *Scheduler) LoadPending(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, job := range jobs {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSchedulerClosed
		}
		generation := s.generations[job.SessionID]
		if generation == 0 {
			generation = 1
			s.generations[job.SessionID] = generation
		}
		s.mu.Unlock()

		job.Generation = generation
		s.arm(job, generation, now)
	}

	if len(jobs) > 0 {
		log.Printf("Re-armed %d persisted triggers", len(jobs))
	}
	return nil
}

// Stop cancels all timers. Persisted jobs stay for the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sessionID := range s.timers {
		s.stopTimersLocked(sessionID)
	}
}

// computeTriggers derives zero, one, or two trigger jobs from the
// session's window and override flags. A manually closed or overridden
// session gets no automatic transitions; a force-opened session keeps
// only the end trigger.
func (s *Scheduler) computeTriggers(session *types.Session, now time.Time) []*types.ScheduledJob {
	if session.Status == types.StatusClosed || session.ManualOverride {
		return nil
	}

	var jobs []*types.ScheduledJob

	endAt := session.EndTime.Add(session.EndGrace(s.endGrace))

	if session.Status != types.StatusOpen && !session.ManuallyOpened && now.Before(endAt) {
		jobs = append(jobs, &types.ScheduledJob{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Kind:      types.TriggerOpen,
			FireAt:    session.StartTime.Add(-session.OpenLead(s.openLead)),
		})
	}

	if session.Status != types.StatusEnded {
		jobs = append(jobs, &types.ScheduledJob{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			Kind:      types.TriggerEnd,
			FireAt:    endAt,
		})
	}

	return jobs
}

func (s *Scheduler) arm(job *types.ScheduledJob, generation uint64, now time.Time) {
	delay := job.FireAt.Sub(now)
	if delay <= 0 {
		go s.fire(job, generation)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generations[job.SessionID] != generation {
		return
	}
	timer := time.AfterFunc(delay, func() {
		s.fire(job, generation)
	})
	s.timers[job.SessionID] = append(s.timers[job.SessionID], timer)
}

// fire runs a trigger unless it was superseded by a newer schedule for
// the session. The handler is responsible for idempotence against the
// current session state.
func (s *Scheduler) fire(job *types.ScheduledJob, generation uint64) {
	s.mu.Lock()
	stale := s.closed || s.generations[job.SessionID] != generation
	handler := s.handler
	s.mu.Unlock()
	if stale || handler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.DeleteScheduledJob(ctx, job.ID); err != nil {
		log.Printf("Failed to delete fired job %s: %v", job.ID, err)
	}

	handler(ctx, job.SessionID, job.Kind)
}

func (s *Scheduler) stopTimersLocked(sessionID string) {
	for _, timer := range s.timers[sessionID] {
		timer.Stop()
	}
	delete(s.timers, sessionID)
}
