package geobkd

import (
	"errors"
	"fmt"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

var (
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index closed")
	// ErrLayoutMismatch is returned when store and codec disagree on layout.
	ErrLayoutMismatch = errors.New("layout mismatch")
	// ErrDegenerateGeometry wraps geometry.DegenerateGeometryError.
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	// ErrCoordinateRange wraps geometry.CoordinateRangeError.
	ErrCoordinateRange = errors.New("coordinate out of range")
	// ErrMalformedEncoding wraps geometry.MalformedEncodingError.
	ErrMalformedEncoding = errors.New("malformed encoding")
	// ErrCapacityExceeded wraps nodestore.CapacityExceededError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNotFound wraps nodestore.ErrNodeNotFound.
	ErrNotFound = errors.New("not found")
)

// ErrInvalidLeafCapacity indicates a leaf capacity below 1.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidLeafCapacity struct {
	Capacity int
	cause    error
}

func (e *ErrInvalidLeafCapacity) Error() string {
	return fmt.Sprintf("invalid leaf capacity: %d", e.Capacity)
}

func (e *ErrInvalidLeafCapacity) Unwrap() error { return e.cause }

// translateError maps package errors onto the root sentinels. The typed
// error stays reachable through errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, geometry.ErrDegenerate) {
		return fmt.Errorf("%w: %w", ErrDegenerateGeometry, err)
	}
	if errors.Is(err, geometry.ErrCoordinateRange) {
		return fmt.Errorf("%w: %w", ErrCoordinateRange, err)
	}
	if errors.Is(err, geometry.ErrMalformedEncoding) {
		return fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}
	var ce *nodestore.CapacityExceededError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	if errors.Is(err, nodestore.ErrNodeNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, nodestore.ErrLayoutMismatch) {
		return fmt.Errorf("%w: %w", ErrLayoutMismatch, err)
	}
	if errors.Is(err, nodestore.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
