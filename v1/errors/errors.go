// Package errors holds the sentinel errors shared by the storage backends and
// the lease coordinator. Backends map driver specific failures onto these so
// callers can match them with errors.Is.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCapacityExceeded is returned when a medium refuses to retain a write.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrVersionConflict is returned by versioned writes when the stored
	// version moved since it was read.
	ErrVersionConflict = errors.New("version conflict")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
)
