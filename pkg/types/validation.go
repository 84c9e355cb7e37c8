package types

import "regexp"

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,100}$`)

// IsValidStatus reports whether status is one of the four session states.
func IsValidStatus(status string) bool {
	switch status {
	case StatusScheduled, StatusOpen, StatusEnded, StatusClosed:
		return true
	}
	return false
}

// IsValidMethod reports whether method is a supported check-in method.
func IsValidMethod(method string) bool {
	return method == MethodManual || method == MethodScan
}

// IsValidTriggerKind reports whether kind names a scheduled transition.
func IsValidTriggerKind(kind string) bool {
	return kind == TriggerOpen || kind == TriggerEnd
}

// IsValidTopic reports whether topic is a subscribable topic name.
func IsValidTopic(topic string) bool {
	return topicPattern.MatchString(topic)
}

// ValidateSession checks the fields the engine depends on. CRUD-level
// validation (descriptions, locations, speaker data) belongs to the
// collaborator that owns those fields.
func ValidateSession(s *Session) error {
	if len(s.Title) == 0 || len(s.Title) > 200 {
		return ErrInvalidTitle
	}
	if !s.EndTime.After(s.StartTime) {
		return ErrInvalidWindow
	}
	if s.Capacity < 0 {
		return ErrInvalidCapacity
	}
	if s.Status != "" && !IsValidStatus(s.Status) {
		return ErrInvalidStatus
	}
	return nil
}
