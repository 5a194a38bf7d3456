package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a checkpoint is not found.
	ErrNotFound = errors.New("checkpoint not found")
)
