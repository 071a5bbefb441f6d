package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrVersionConflict indicates a compare-and-set lost against a concurrent writer.
	ErrVersionConflict = errors.New("repository: version conflict")
)
