package geometry

import (
	"fmt"
	"slices"
)

// Vertex is a 2-D point. X is dimension 0, Y is dimension 1.
type Vertex struct {
	X, Y int32
}

func (v Vertex) String() string {
	return fmt.Sprintf("(%d,%d)", v.X, v.Y)
}

// Point returns v as a 2-D Point.
func (v Vertex) Point() Point {
	return Point{coords: []int32{v.X, v.Y}}
}

// less orders vertices by X, then Y.
func (v Vertex) less(o Vertex) bool {
	if v.X != o.X {
		return v.X < o.X
	}
	return v.Y < o.Y
}

// Point is an immutable tuple of coordinates.
type Point struct {
	coords []int32
}

// NewPoint creates a point from the given coordinates. The slice is copied.
func NewPoint(coords ...int32) Point {
	return Point{coords: slices.Clone(coords)}
}

// Dims returns the dimensionality of the point.
func (p Point) Dims() int { return len(p.coords) }

// Coord returns the coordinate for dimension d.
func (p Point) Coord(d int) int32 { return p.coords[d] }

// Coords returns a copy of all coordinates.
func (p Point) Coords() []int32 { return slices.Clone(p.coords) }

// Equal reports whether both points have identical coordinates.
func (p Point) Equal(o Point) bool { return slices.Equal(p.coords, o.coords) }

// Bounds returns the degenerate box [p, p].
func (p Point) Bounds() BoundingBox {
	return BoundingBox{min: slices.Clone(p.coords), max: slices.Clone(p.coords)}
}

// Intersects reports whether the point lies inside the box (boundaries included).
func (p Point) Intersects(b BoundingBox) bool {
	return b.ContainsPoint(p)
}

func (p Point) String() string {
	return fmt.Sprint(p.coords)
}
