package interfaces

import "context"

// CounterStore is the shared atomic counter behind the capacity admission
// gate. Implementations must provide read-modify-write atomicity across
// process instances: Reserve is a single compare-and-increment statement,
// never a read followed by a write.
type CounterStore interface {
	// Reserve atomically admits one slot for the session. Capacity <= 0
	// means unlimited; the counter still increments so occupancy stays
	// observable. Returns false when the session is full. An error means
	// the reservation must be treated as failed (fail closed).
	Reserve(ctx context.Context, sessionID string, capacity int) (bool, error)

	// Release returns one slot, floored at zero.
	Release(ctx context.Context, sessionID string) error

	// Set rewrites the counter to an absolute value; used by the
	// reconciler when the counter has drifted from the record count.
	Set(ctx context.Context, sessionID string, count int) error

	// Value reads the current counter, zero if the session has no row.
	Value(ctx context.Context, sessionID string) (int, error)

	Close() error
}
