package storage

import "github.com/pkg/errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint rejects a write,
	// e.g. a second task for the same cadence step.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStaleState is returned when a conditional update finds the row changed since it was read.
	ErrStaleState = errors.New("stale state")
)
