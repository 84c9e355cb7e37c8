package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gatecheck/internal/store"
	"gatecheck/pkg/types"
)

type firedTrigger struct {
	sessionID string
	kind      string
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Manager, chan firedTrigger) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := store.NewManager(path, 30*time.Second)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	s := NewScheduler(m, 10*time.Minute, 15*time.Minute)
	t.Cleanup(s.Stop)

	fired := make(chan firedTrigger, 10)
	s.SetHandler(func(ctx context.Context, sessionID, kind string) {
		fired <- firedTrigger{sessionID: sessionID, kind: kind}
	})
	return s, m, fired
}

func testSession(id string, start, end time.Time) *types.Session {
	return &types.Session{
		ID:        id,
		Title:     "Scheduled Talk",
		StartTime: start,
		EndTime:   end,
		Status:    types.StatusScheduled,
	}
}

func waitForTrigger(t *testing.T, fired chan firedTrigger) firedTrigger {
	t.Helper()
	select {
	case f := <-fired:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for trigger to fire")
		return firedTrigger{}
	}
}

func TestScheduleRequiresHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := store.NewManager(path, 30*time.Second)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer m.Close()

	s := NewScheduler(m, 10*time.Minute, 15*time.Minute)
	defer s.Stop()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err := s.Schedule(context.Background(), session); err != ErrNoHandler {
		t.Errorf("Expected ErrNoHandler, got %v", err)
	}
}

func TestSchedulePersistsFutureTriggers(t *testing.T) {
	s, m, fired := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 persisted jobs, got %d", len(jobs))
	}
	kinds := map[string]bool{}
	for _, job := range jobs {
		kinds[job.Kind] = true
		if job.SessionID != "s1" {
			t.Errorf("Expected job for s1, got %s", job.SessionID)
		}
	}
	if !kinds[types.TriggerOpen] || !kinds[types.TriggerEnd] {
		t.Errorf("Expected open and end jobs, got %v", kinds)
	}

	select {
	case f := <-fired:
		t.Errorf("Future trigger fired early: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPastDueOpenTriggerFiresImmediately(t *testing.T) {
	s, _, fired := newTestScheduler(t)

	// Start already inside the open window; the open trigger time has
	// passed and should fire without waiting.
	now := time.Now()
	session := testSession("s1", now.Add(-time.Minute), now.Add(time.Hour))
	if err := s.Schedule(context.Background(), session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	f := waitForTrigger(t, fired)
	if f.sessionID != "s1" || f.kind != types.TriggerOpen {
		t.Errorf("Expected immediate open trigger for s1, got %+v", f)
	}
}

func TestFiredJobIsDeleted(t *testing.T) {
	s, m, fired := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(-time.Minute), now.Add(time.Hour))
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitForTrigger(t, fired)

	// Give the delete that precedes the handler call a moment to land.
	time.Sleep(50 * time.Millisecond)

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	for _, job := range jobs {
		if job.Kind == types.TriggerOpen {
			t.Errorf("Expected fired open job to be deleted, found %+v", job)
		}
	}
}

func TestRescheduleReplacesJobs(t *testing.T) {
	s, m, _ := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("First schedule failed: %v", err)
	}
	session.StartTime = now.Add(3 * time.Hour)
	session.EndTime = now.Add(4 * time.Hour)
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Second schedule failed: %v", err)
	}

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected reschedule to leave 2 jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.Generation != 2 {
			t.Errorf("Expected generation 2 after reschedule, got %d", job.Generation)
		}
	}
}

func TestCancelRemovesJobsAndFencesTimers(t *testing.T) {
	s, m, fired := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.Cancel(ctx, "s1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs after cancel, got %d", len(jobs))
	}

	select {
	case f := <-fired:
		t.Errorf("Cancelled trigger fired: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedSessionGetsNoTriggers(t *testing.T) {
	s, m, _ := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	session.Status = types.StatusClosed
	session.ManualOverride = true
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no triggers for closed session, got %d", len(jobs))
	}
}

func TestManuallyOpenedSessionKeepsOnlyEndTrigger(t *testing.T) {
	s, m, _ := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	session.Status = types.StatusOpen
	session.ManuallyOpened = true
	if err := s.Schedule(ctx, session); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	jobs, err := m.ListScheduledJobs(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != types.TriggerEnd {
		t.Errorf("Expected only the end trigger, got %+v", jobs)
	}
}

func TestLoadPendingReArmsPersistedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	m, err := store.NewManager(path, 30*time.Second)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer m.Close()

	// A job left behind by a previous process, already past due.
	job := &types.ScheduledJob{
		ID:        "j1",
		SessionID: "s1",
		Kind:      types.TriggerEnd,
		FireAt:    time.Now().Add(-time.Minute),
	}
	if err := m.CreateScheduledJob(context.Background(), job); err != nil {
		t.Fatalf("Failed to persist job: %v", err)
	}

	s := NewScheduler(m, 10*time.Minute, 15*time.Minute)
	defer s.Stop()

	fired := make(chan firedTrigger, 1)
	s.SetHandler(func(ctx context.Context, sessionID, kind string) {
		fired <- firedTrigger{sessionID: sessionID, kind: kind}
	})

	if err := s.LoadPending(context.Background()); err != nil {
		t.Fatalf("LoadPending failed: %v", err)
	}

	f := waitForTrigger(t, fired)
	if f.sessionID != "s1" || f.kind != types.TriggerEnd {
		t.Errorf("Expected re-armed end trigger for s1, got %+v", f)
	}
}

func TestStoppedSchedulerRejectsSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.Stop()

	now := time.Now()
	session := testSession("s1", now.Add(time.Hour), now.Add(2*time.Hour))
	if err := s.Schedule(context.Background(), session); err != ErrSchedulerClosed {
		t.Errorf("Expected ErrSchedulerClosed, got %v", err)
	}
}
