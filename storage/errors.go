package storage

import "errors"

// Common storage errors.
var (
	// ErrRunNotFound is returned when no snapshot exists for a run ID.
	ErrRunNotFound = errors.New("run not found")
)
