package types

import "errors"

var (
	// ErrNotFound is returned when a session, entry or stored record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change would move an
	// entry backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
