package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an unforced update loses an optimistic
	// concurrency check or targets a merged commit.
	ErrConflict = errors.New("storage: conflict")

	// ErrAlreadyRecalculating is returned when an evaluation already carries
	// a fresh recalculation mark.
	ErrAlreadyRecalculating = errors.New("storage: recalculation already in progress")
)
