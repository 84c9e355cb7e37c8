package counter

import (
	"context"
	"log"
	"time"

	"gatecheck/pkg/interfaces"
)

// Reconciler corrects drift between the capacity counter and the true
// check-in record count (for example after a crash between reserve and
// record write). Drift is corrected by rewriting the counter, never by
// touching check-in records.
type Reconciler struct {
	counter  interfaces.CounterStore
	store    interfaces.EntityStore
	interval time.Duration
}

// NewReconciler builds a reconciler that sweeps every interval.
func NewReconciler(counter interfaces.CounterStore, store interfaces.EntityStore, interval time.Duration) *Reconciler {
	return &Reconciler{counter: counter, store: store, interval: interval}
}

// Start runs the periodic sweep until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.ReconcileAll(ctx); err != nil {
					log.Printf("Counter reconciliation sweep failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ReconcileAll checks every session's counter.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := r.ReconcileSession(ctx, session.ID); err != nil {
			log.Printf("Failed to reconcile counter for session %s: %v", session.ID, err)
		}
	}
	return nil
}

// ReconcileSession compares one counter with the record count and
// rewrites the counter on mismatch. Mismatches are invariant violations:
// logged loudly, then auto-corrected.
func (r *Reconciler) ReconcileSession(ctx context.Context, sessionID string) error {
	truth, err := r.store.CountCheckInRecords(ctx, sessionID)
	if err != nil {
		return err
	}
	value, err := r.counter.Value(ctx, sessionID)
	if err != nil {
		return err
	}
	if value != truth {
		log.Printf("INVARIANT: counter drift for session %s: counter=%d records=%d, rewriting counter",
			sessionID, value, truth)
		return r.counter.Set(ctx, sessionID, truth)
	}
	return nil
}
