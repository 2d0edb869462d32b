package nodestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeNotFound is returned for refs the store never issued or has freed.
	ErrNodeNotFound = errors.New("node not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
	// ErrNotCommitted is returned by LoadCommitted when nothing was committed.
	ErrNotCommitted = errors.New("no committed tree")
	// ErrCapacityExceeded is matched by every CapacityExceededError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrKindMismatch is returned when a leaf operation targets an internal
	// node or vice versa.
	ErrKindMismatch = errors.New("node kind mismatch")
	// ErrLayoutMismatch is returned when persisted data was written with a
	// different layout.
	ErrLayoutMismatch = errors.New("layout mismatch")
)

// CapacityExceededError indicates a backend cannot allocate more nodes.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type CapacityExceededError struct {
	Backend string
	Limit   int64
	cause   error
}

// NewCapacityExceededError creates a CapacityExceededError.
func NewCapacityExceededError(backend string, limit int64, cause error) *CapacityExceededError {
	return &CapacityExceededError{Backend: backend, Limit: limit, cause: cause}
}

func (e *CapacityExceededError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: capacity exceeded (limit %d): %v", e.Backend, e.Limit, e.cause)
	}
	return fmt.Sprintf("%s: capacity exceeded (limit %d)", e.Backend, e.Limit)
}

func (e *CapacityExceededError) Unwrap() error { return e.cause }

func (e *CapacityExceededError) Is(target error) bool { return target == ErrCapacityExceeded }

// NotFound wraps ErrNodeNotFound with the offending ref.
func NotFound(ref NodeRef) error {
	return fmt.Errorf("%w: ref %d", ErrNodeNotFound, ref)
}
