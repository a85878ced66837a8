package session

import "errors"

var (
	// ErrNotFound is returned when no live record exists for a workout key.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateKey is returned when a local insert collides with an existing workout key.
	ErrDuplicateKey = errors.New("session already exists for workout key")
	// ErrInvalid marks records that violate structural invariants.
	ErrInvalid = errors.New("invalid session")
	// ErrPersistence wraps failures of the local persistence collaborator. The logical
	// operation was aborted without partial state and may be retried.
	ErrPersistence = errors.New("session persistence failure")
)
