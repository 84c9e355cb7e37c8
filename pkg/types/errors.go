package types

import "errors"

var (
	ErrInvalidTitle       = errors.New("session title must be 1-200 characters")
	ErrInvalidWindow      = errors.New("session end time must be after start time")
	ErrInvalidCapacity    = errors.New("session capacity cannot be negative")
	ErrInvalidStatus      = errors.New("invalid session status")
	ErrInvalidMethod      = errors.New("check-in method must be 'manual' or 'scan'")
	ErrInvalidTopic       = errors.New("topic must be 1-100 characters, alphanumeric plus colon/underscore/hyphen")
	ErrInvalidTriggerKind = errors.New("trigger kind must be 'open' or 'end'")
)
