package tariff

import "fmt"

// MalformedScheduleError indicates raw vendor data that cannot be turned
// into a consistent schedule. It is never worth retrying: the same payload
// will fail the same way.
type MalformedScheduleError struct {
	Reason string
}

func (e *MalformedScheduleError) Error() string {
	return "malformed schedule: " + e.Reason
}

func malformed(format string, args ...any) error {
	return &MalformedScheduleError{Reason: fmt.Sprintf(format, args...)}
}

// InsufficientCoverageError indicates a schedule too short for a requested
// derivation (window longer than the covered span, or hours missing for
// quantile classification).
type InsufficientCoverageError struct {
	NeedMinutes int
	HaveMinutes int
}

func (e *InsufficientCoverageError) Error() string {
	return fmt.Sprintf("insufficient coverage: need %d minutes, have %d", e.NeedMinutes, e.HaveMinutes)
}
