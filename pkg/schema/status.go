package schema

import "fmt"

// Status represents the status of an outbox message.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusProcessed  Status = "Processed"
	StatusFailed     Status = "Failed"
)

// ParseStatus validates and converts a raw status value read from storage.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// IsValid reports whether the status is part of the message lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether s -> next is an edge of the lifecycle.
// Processed and Failed are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed
	default:
		return false
	}
}

// IsTerminal reports whether no further transition exists from s.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}
