package geometry

import (
	"fmt"
	"slices"
)

// BoundingBox is an axis-aligned box with a [min, max] pair per dimension.
//
// min <= max holds on every dimension of a non-empty box. Emptiness is an
// explicit marker and never represented by an inverted pair.
type BoundingBox struct {
	min, max []int32
	empty    bool
}

// NewBoundingBox creates a box from per-dimension minimums and maximums.
// Mismatched lengths, zero dimensions or an inverted pair yield an empty box.
func NewBoundingBox(min, max []int32) BoundingBox {
	if len(min) == 0 || len(min) != len(max) {
		return EmptyBox(len(min))
	}
	for i := range min {
		if min[i] > max[i] {
			return EmptyBox(len(min))
		}
	}
	return BoundingBox{min: slices.Clone(min), max: slices.Clone(max)}
}

// Box2D creates a 2-D box. Dimension 0 is X and dimension 1 is Y.
func Box2D(minX, minY, maxX, maxY int32) BoundingBox {
	return NewBoundingBox([]int32{minX, minY}, []int32{maxX, maxY})
}

// EmptyBox returns the empty box of the given dimensionality.
func EmptyBox(dims int) BoundingBox {
	return BoundingBox{min: make([]int32, dims), max: make([]int32, dims), empty: true}
}

// IsEmpty reports whether the box contains no point.
func (b BoundingBox) IsEmpty() bool { return b.empty || len(b.min) == 0 }

// Dims returns the dimensionality.
func (b BoundingBox) Dims() int { return len(b.min) }

// Min returns the lower bound on dimension d.
func (b BoundingBox) Min(d int) int32 { return b.min[d] }

// Max returns the upper bound on dimension d.
func (b BoundingBox) Max(d int) int32 { return b.max[d] }

// Intersects reports whether the two boxes share at least one point.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	if b.IsEmpty() || o.IsEmpty() || b.Dims() != o.Dims() {
		return false
	}
	for d := range b.min {
		if b.max[d] < o.min[d] || b.min[d] > o.max[d] {
			return false
		}
	}
	return true
}

// Contains reports whether o lies entirely within b.
func (b BoundingBox) Contains(o BoundingBox) bool {
	if b.IsEmpty() || o.IsEmpty() || b.Dims() != o.Dims() {
		return false
	}
	for d := range b.min {
		if o.min[d] < b.min[d] || o.max[d] > b.max[d] {
			return false
		}
	}
	return true
}

// ContainsPoint reports whether p lies inside b, boundaries included.
func (b BoundingBox) ContainsPoint(p Point) bool {
	if b.IsEmpty() || p.Dims() != b.Dims() {
		return false
	}
	for d := range b.min {
		c := p.coords[d]
		if c < b.min[d] || c > b.max[d] {
			return false
		}
	}
	return true
}

func (b BoundingBox) containsVertex(v Vertex) bool {
	return !b.IsEmpty() && b.Dims() == 2 &&
		v.X >= b.min[0] && v.X <= b.max[0] && v.Y >= b.min[1] && v.Y <= b.max[1]
}

// Union returns the smallest box enclosing both boxes.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	if b.Dims() != o.Dims() {
		return b
	}
	out := BoundingBox{min: slices.Clone(b.min), max: slices.Clone(b.max)}
	for d := range out.min {
		out.min[d] = min(out.min[d], o.min[d])
		out.max[d] = max(out.max[d], o.max[d])
	}
	return out
}

// ExtendPoint returns the smallest box enclosing b and p.
func (b BoundingBox) ExtendPoint(p Point) BoundingBox {
	return b.Union(p.Bounds())
}

// Center returns the midpoint of the box on dimension d.
func (b BoundingBox) Center(d int) int64 {
	return (int64(b.min[d]) + int64(b.max[d])) / 2
}

func (b BoundingBox) String() string {
	if b.IsEmpty() {
		return "BoundingBox(empty)"
	}
	return fmt.Sprintf("BoundingBox(%v..%v)", b.min, b.max)
}
