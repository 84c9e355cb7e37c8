package counter

import (
	"context"
	"testing"
	"time"

	"gatecheck/pkg/types"
)

func TestReconcileSessionCorrectsDrift(t *testing.T) {
	m, gate := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &types.Session{
		ID:        "s1",
		Title:     "Panel Discussion",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    types.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	// Two real records, but a counter inflated by a crash between
	// reserve and record write.
	for _, pid := range []string{"p1", "p2"} {
		record := &types.CheckInRecord{
			ID: "r-" + pid, SessionID: "s1", ParticipantID: pid,
			Method: types.MethodScan, CheckedInAt: now,
		}
		if err := m.CreateCheckInRecord(ctx, record); err != nil {
			t.Fatalf("Failed to create record: %v", err)
		}
	}
	if err := gate.Set(ctx, "s1", 7); err != nil {
		t.Fatalf("Failed to set counter: %v", err)
	}

	r := NewReconciler(gate, m, time.Minute)
	if err := r.ReconcileSession(ctx, "s1"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	value, err := gate.Value(ctx, "s1")
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if value != 2 {
		t.Errorf("Expected counter rewritten to 2, got %d", value)
	}
}

func TestReconcileAllLeavesAccurateCountersAlone(t *testing.T) {
	m, gate := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	session := &types.Session{
		ID:        "s1",
		Title:     "Lightning Talks",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Status:    types.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.CreateSession(ctx, session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	record := &types.CheckInRecord{
		ID: "r1", SessionID: "s1", ParticipantID: "p1",
		Method: types.MethodManual, CheckedInAt: now,
	}
	if err := m.CreateCheckInRecord(ctx, record); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if _, err := gate.Reserve(ctx, "s1", 10); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	r := NewReconciler(gate, m, time.Minute)
	if err := r.ReconcileAll(ctx); err != nil {
		t.Fatalf("ReconcileAll failed: %v", err)
	}

	value, err := gate.Value(ctx, "s1")
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if value != 1 {
		t.Errorf("Expected counter unchanged at 1, got %d", value)
	}
}
