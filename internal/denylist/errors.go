package denylist

import "errors"

// Domain errors for the denylist package.
var (
	// ErrEntryNotFound is returned when a deny entry does not exist.
	ErrEntryNotFound = errors.New("denylist: entry not found")

	// ErrInvalidEntry is returned when required entry fields are missing.
	ErrInvalidEntry = errors.New("denylist: invalid entry")
)
