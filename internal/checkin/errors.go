package checkin

import "errors"

var (
	ErrInvalidMethod   = errors.New("check-in method must be 'manual' or 'scan'")
	ErrEmptyIdentifier = errors.New("participant identifier cannot be empty")
)
