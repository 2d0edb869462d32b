package geometry

import "fmt"

// Triangle is a non-degenerate triangle together with flags telling which of
// its edges (AB, BC, CA) lie on the boundary of the polygon it was
// tessellated from. The flags let a multi-triangle polygon be reconstructed.
type Triangle struct {
	a, b, c    Vertex
	ab, bc, ca bool
}

// NewTriangle creates a triangle. Colinear vertices are rejected with a
// DegenerateGeometryError.
func NewTriangle(a, b, c Vertex, ab, bc, ca bool) (Triangle, error) {
	if orient(a, b, c) == 0 {
		return Triangle{}, &DegenerateGeometryError{A: a, B: b, C: c}
	}
	return Triangle{a: a, b: b, c: c, ab: ab, bc: bc, ca: ca}, nil
}

// MustTriangle is like NewTriangle but panics on error. Intended for tests
// and fixed literals.
func MustTriangle(a, b, c Vertex, ab, bc, ca bool) Triangle {
	t, err := NewTriangle(a, b, c, ab, bc, ca)
	if err != nil {
		panic(err)
	}
	return t
}

// Vertices returns A, B and C.
func (t Triangle) Vertices() (a, b, c Vertex) { return t.a, t.b, t.c }

// Edges returns the polygon-boundary flags of AB, BC and CA.
func (t Triangle) Edges() (ab, bc, ca bool) { return t.ab, t.bc, t.ca }

// Rotate returns the triangle with vertices B, C, A and the edge flags
// rotated along with them. It describes the same triangle.
func (t Triangle) Rotate() Triangle {
	return Triangle{a: t.b, b: t.c, c: t.a, ab: t.bc, bc: t.ca, ca: t.ab}
}

// Canonicalize returns the unique canonical form of t: counter-clockwise
// winding with the minimum-X vertex (ties broken by minimum Y) first.
// Every vertex ordering of the same triangle yields the same result.
func Canonicalize(t Triangle) (Triangle, error) {
	switch orient(t.a, t.b, t.c) {
	case 0:
		return Triangle{}, &DegenerateGeometryError{A: t.a, B: t.b, C: t.c}
	case -1:
		// A,C,B: edge AC was CA, CB was BC, BA was AB.
		t = Triangle{a: t.a, b: t.c, c: t.b, ab: t.ca, bc: t.bc, ca: t.ab}
	}

	switch {
	case t.b.less(t.a) && !t.c.less(t.b):
		t = t.Rotate()
	case t.c.less(t.a) && t.c.less(t.b):
		t = t.Rotate().Rotate()
	}
	return t, nil
}

// IsCanonical reports whether t is already in canonical form.
func (t Triangle) IsCanonical() bool {
	return orient(t.a, t.b, t.c) > 0 && !t.b.less(t.a) && !t.c.less(t.a)
}

// Equal reports whether both triangles have the same vertex order and flags.
func (t Triangle) Equal(o Triangle) bool {
	return t == o
}

// Bounds returns the axis-aligned bounding box of the three vertices.
func (t Triangle) Bounds() BoundingBox {
	return Box2D(
		min(t.a.X, t.b.X, t.c.X), min(t.a.Y, t.b.Y, t.c.Y),
		max(t.a.X, t.b.X, t.c.X), max(t.a.Y, t.b.Y, t.c.Y),
	)
}

// ContainsVertex reports whether v lies inside the triangle or on its boundary.
func (t Triangle) ContainsVertex(v Vertex) bool {
	o1 := orient(t.a, t.b, v)
	o2 := orient(t.b, t.c, v)
	o3 := orient(t.c, t.a, v)
	hasNeg := o1 < 0 || o2 < 0 || o3 < 0
	hasPos := o1 > 0 || o2 > 0 || o3 > 0
	return !(hasNeg && hasPos)
}

// Intersects reports whether the triangle and the 2-D box share at least one
// point. The test is exact: it is not a bounding-box approximation.
func (t Triangle) Intersects(b BoundingBox) bool {
	if b.IsEmpty() || b.Dims() != 2 {
		return false
	}
	if !t.Bounds().Intersects(b) {
		return false
	}
	if b.containsVertex(t.a) || b.containsVertex(t.b) || b.containsVertex(t.c) {
		return true
	}

	corners := [4]Vertex{
		{X: b.min[0], Y: b.min[1]},
		{X: b.max[0], Y: b.min[1]},
		{X: b.max[0], Y: b.max[1]},
		{X: b.min[0], Y: b.max[1]},
	}
	for _, c := range corners {
		if t.ContainsVertex(c) {
			return true
		}
	}

	edges := [3][2]Vertex{{t.a, t.b}, {t.b, t.c}, {t.c, t.a}}
	for _, e := range edges {
		for i := range corners {
			if segmentsIntersect(e[0], e[1], corners[i], corners[(i+1)%4]) {
				return true
			}
		}
	}
	return false
}

func (t Triangle) String() string {
	return fmt.Sprintf("Triangle(%v %v %v edges=%t,%t,%t)", t.a, t.b, t.c, t.ab, t.bc, t.ca)
}
