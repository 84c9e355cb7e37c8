package interfaces

import "errors"

// Sentinel errors shared by store implementations and their consumers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRecordNotFound      = errors.New("check-in record not found")
	ErrDuplicateCheckIn    = errors.New("participant already checked in to this session")
)
