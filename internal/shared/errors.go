package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a concurrent write raced on the same aggregate.
	// Callers retry with the same idempotency semantics where applicable.
	ErrConflict = errors.New("persistence conflict")
	// ErrForbidden indicates the actor role is not permitted.
	ErrForbidden = errors.New("forbidden")
)
