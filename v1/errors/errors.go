// Package errors holds the sentinel errors shared by every go-coord package.
// Callers match them with errors.Is; concrete errors wrap them with context.
package errors

import "errors"

var (
	// ErrNotFound is returned when a key is absent or its TTL has elapsed.
	ErrNotFound = errors.New("coord: not found")
	// ErrTypeMismatch is returned when a stored payload cannot be decoded into
	// the requested type, or a key is used as the wrong kind of entry.
	ErrTypeMismatch = errors.New("coord: type mismatch")
	// ErrResourceUnavailable is the expected outcome of a try-once acquire on a
	// lock that is held or a semaphore that is full.
	ErrResourceUnavailable = errors.New("coord: resource unavailable")
	// ErrStoreUnavailable marks a transient store fault that survived every retry.
	ErrStoreUnavailable = errors.New("coord: store unavailable")
	// ErrConflict is returned when an optimistic transaction kept losing races.
	ErrConflict = errors.New("coord: too many conflicting writers")
	// ErrInvalidTTL is returned for a TTL the primitive cannot honour.
	ErrInvalidTTL = errors.New("coord: invalid ttl")
	// ErrInvalidCapacity is returned for a semaphore capacity below one.
	ErrInvalidCapacity = errors.New("coord: invalid capacity")
	// ErrTimeout is returned when a store round trip exceeds its per-call
	// deadline. It is transient.
	ErrTimeout = errors.New("coord: timeout")
	// ErrConnectionClosed is returned when the store connection was closed
	// under the call. It is transient.
	ErrConnectionClosed = errors.New("coord: connection closed")
)
