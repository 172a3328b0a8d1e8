package journal

import "fmt"

// EntryStatus represents a valid journal entry lifecycle state.
type EntryStatus string

const (
	StatusPending    EntryStatus = EntryStatusPending
	StatusProcessing EntryStatus = EntryStatusProcessing
	StatusPublished  EntryStatus = EntryStatusPublished
	StatusFailed     EntryStatus = EntryStatusFailed
	StatusInvalid    EntryStatus = EntryStatusInvalid
)

// ParseEntryStatus validates and converts a raw string status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrEntryStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the journal entry lifecycle.
func (status EntryStatus) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status EntryStatus) CanTransitionTo(next EntryStatus) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusPublished || next == StatusFailed || next == StatusInvalid
	case StatusPublished, StatusInvalid:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseEntryStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseEntryStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrEntryTransitionInvalid, from, to)
	}

	return nil
}

func (status EntryStatus) String() string {
	return string(status)
}
