package entity

import "errors"

var (
	// ErrNotFound is returned when a booking or related record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request body.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrLockNotAcquired is returned when the distributed lock could not be
	// obtained within the wait timeout.
	ErrLockNotAcquired = errors.New("lock not acquired")
)
