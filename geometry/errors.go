package geometry

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerate is matched by every DegenerateGeometryError.
	ErrDegenerate = errors.New("degenerate geometry")
	// ErrCoordinateRange is matched by every CoordinateRangeError.
	ErrCoordinateRange = errors.New("coordinate out of range")
	// ErrMalformedEncoding is matched by every MalformedEncodingError.
	ErrMalformedEncoding = errors.New("malformed encoding")
)

// DegenerateGeometryError is returned when three vertices are colinear
// (zero signed area) and therefore do not describe a triangle.
type DegenerateGeometryError struct {
	A, B, C Vertex
}

func (e *DegenerateGeometryError) Error() string {
	return fmt.Sprintf("degenerate triangle: %v %v %v are colinear", e.A, e.B, e.C)
}

func (e *DegenerateGeometryError) Is(target error) bool { return target == ErrDegenerate }

// CoordinateRangeError indicates a value outside the representable domain.
type CoordinateRangeError struct {
	Value    float64
	Min, Max float64
}

func (e *CoordinateRangeError) Error() string {
	return fmt.Sprintf("coordinate %v outside [%v, %v]", e.Value, e.Min, e.Max)
}

func (e *CoordinateRangeError) Is(target error) bool { return target == ErrCoordinateRange }

// MalformedEncodingError is returned when a byte tuple cannot be decoded.
// Corrupt input is never repaired.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type MalformedEncodingError struct {
	Reason string
	Length int
	cause  error
}

// NewMalformedEncodingError builds a MalformedEncodingError for a tuple of the given length.
func NewMalformedEncodingError(reason string, length int, cause error) *MalformedEncodingError {
	return &MalformedEncodingError{Reason: reason, Length: length, cause: cause}
}

func (e *MalformedEncodingError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("malformed encoding (%d bytes): %s: %v", e.Length, e.Reason, e.cause)
	}
	return fmt.Sprintf("malformed encoding (%d bytes): %s", e.Length, e.Reason)
}

func (e *MalformedEncodingError) Unwrap() error { return e.cause }

func (e *MalformedEncodingError) Is(target error) bool { return target == ErrMalformedEncoding }
