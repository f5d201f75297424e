package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a token record does not exist.
	ErrNotFound = errors.New("token not found")

	// ErrConflict is returned when a record with the same tenant, user,
	// type and identifier already exists.
	ErrConflict = errors.New("token already exists")
)
