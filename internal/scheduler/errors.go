package scheduler

import "errors"

var (
	ErrSchedulerClosed = errors.New("scheduler is closed")
	ErrNoHandler       = errors.New("scheduler has no trigger handler")
)
