package interfaces

import (
	"context"

	"gatecheck/pkg/types"
)

// TriggerHandler is invoked when a scheduled transition fires. Handlers
// must be idempotent: a duplicate fire is a correctness no-op.
type TriggerHandler func(ctx context.Context, sessionID, kind string)

// TriggerScheduler owns the delayed transition jobs for every session.
// Schedule replaces any jobs already registered for the session; a
// trigger computed in the past fires immediately instead of being
// dropped.
type TriggerScheduler interface {
	Schedule(ctx context.Context, session *types.Session) error
	Cancel(ctx context.Context, sessionID string) error
}
