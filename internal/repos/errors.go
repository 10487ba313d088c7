package repos

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTerminalConflict is returned when a status update would move an
	// execution out of a terminal state. Re-applying the same terminal state
	// is a no-op, never an error.
	ErrTerminalConflict = errors.New("execution already in a terminal state")
)
