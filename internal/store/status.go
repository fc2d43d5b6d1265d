package store

import "slices"

// Status is the workflow state of a task.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var validStatusTransitions = map[Status][]Status{
	StatusDraft:      {StatusReady, StatusCancelled},
	StatusReady:      {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusReady, StatusCompleted, StatusCancelled},
	StatusCompleted:  {}, // terminal state
	StatusCancelled:  {}, // terminal state
}

// isValidStatusTransition checks if a transition from currentStatus to
// nextStatus is allowed by the workflow table.
func isValidStatusTransition(currentStatus, nextStatus Status) bool {
	validTransitions, ok := validStatusTransitions[currentStatus]
	if !ok {
		return false
	}
	return slices.Contains(validTransitions, nextStatus)
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return len(validStatusTransitions[s]) == 0
}

// ValidStatus reports whether s is a known workflow state (search filters).
func ValidStatus(s string) bool {
	_, ok := validStatusTransitions[Status(s)]
	return ok
}
