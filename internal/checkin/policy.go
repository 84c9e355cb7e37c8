package checkin

import "gatecheck/pkg/types"

// BadgePolicy decides the badge type written on an accepted check-in.
// Registration state is ambiguous for walk-ins, so the rule is injectable
// rather than hard-coded into the pipeline.
type BadgePolicy func(participant *types.Participant) string

// DefaultBadgePolicy: pre-registered participants get an attendee badge,
// everyone else a walk-in badge.
func DefaultBadgePolicy(participant *types.Participant) string {
	if participant.Registered {
		return types.BadgeAttendee
	}
	return types.BadgeWalkIn
}
