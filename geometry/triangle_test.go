package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v(x, y int32) Vertex { return Vertex{X: x, Y: y} }

func randomTriangle(r *rand.Rand, span int32) Triangle {
	for {
		a := v(r.Int31n(span)-span/2, r.Int31n(span)-span/2)
		b := v(r.Int31n(span)-span/2, r.Int31n(span)-span/2)
		c := v(r.Int31n(span)-span/2, r.Int31n(span)-span/2)
		t, err := NewTriangle(a, b, c, r.Intn(2) == 0, r.Intn(2) == 0, r.Intn(2) == 0)
		if err == nil {
			return t
		}
	}
}

func TestNewTriangleDegenerate(t *testing.T) {
	_, err := NewTriangle(v(0, 0), v(1, 1), v(2, 2), true, true, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerate)

	var de *DegenerateGeometryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, v(1, 1), de.B)

	_, err = NewTriangle(v(5, 5), v(5, 5), v(1, 0), false, false, false)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestOrientExtremes(t *testing.T) {
	lo, hi := int32(math.MinInt32), int32(math.MaxInt32)
	assert.Equal(t, 1, orient(v(lo, lo), v(hi, lo), v(hi, hi)))
	assert.Equal(t, -1, orient(v(lo, lo), v(hi, hi), v(hi, lo)))
	assert.Equal(t, 0, orient(v(lo, lo), v(0, 0), v(hi-1, hi-1)))
	// Differences near 2^32 overflow int64 products.
	assert.Equal(t, 1, orient(v(lo, lo), v(hi, lo+1), v(lo+1, hi)))
}

func TestCanonicalize(t *testing.T) {
	tri := MustTriangle(v(4, 0), v(0, 3), v(0, 0), true, false, false)
	c, err := Canonicalize(tri)
	require.NoError(t, err)
	assert.True(t, c.IsCanonical())

	a, b, cc := c.Vertices()
	assert.Equal(t, v(0, 0), a)
	assert.Equal(t, v(4, 0), b)
	assert.Equal(t, v(0, 3), cc)

	// Edge (4,0)-(0,3) was AB and is BC after canonicalization.
	ab, bc, ca := c.Edges()
	assert.False(t, ab)
	assert.True(t, bc)
	assert.False(t, ca)
}

func TestCanonicalizeIdempotent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		tri := randomTriangle(r, 1000)
		c1, err := Canonicalize(tri)
		require.NoError(t, err)
		c2, err := Canonicalize(c1)
		require.NoError(t, err)
		assert.True(t, c1.Equal(c2), "%v vs %v", c1, c2)
	}
}

func TestCanonicalizeOrderInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 300; i++ {
		tri := randomTriangle(r, 50)
		want, err := Canonicalize(tri)
		require.NoError(t, err)

		// Rotations and the reversed winding all describe the same triangle.
		variants := []Triangle{
			tri.Rotate(),
			tri.Rotate().Rotate(),
			{a: tri.a, b: tri.c, c: tri.b, ab: tri.ca, bc: tri.bc, ca: tri.ab},
			{a: tri.b, b: tri.a, c: tri.c, ab: tri.ab, bc: tri.ca, ca: tri.bc},
			{a: tri.c, b: tri.b, c: tri.a, ab: tri.bc, bc: tri.ab, ca: tri.ca},
		}
		for _, vt := range variants {
			got, err := Canonicalize(vt)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "want %v got %v", want, got)
		}
	}
}

func TestTriangleIntersects(t *testing.T) {
	tri := MustTriangle(v(0, 0), v(10, 0), v(0, 10), false, false, false)

	tests := []struct {
		name string
		box  BoundingBox
		want bool
	}{
		{"contains vertex", Box2D(-1, -1, 1, 1), true},
		{"inside triangle", Box2D(1, 1, 2, 2), true},
		{"encloses triangle", Box2D(-5, -5, 20, 20), true},
		{"edge crossing", Box2D(4, -1, 6, 1), true},
		{"touches hypotenuse", Box2D(5, 5, 8, 8), true},
		{"inside bounds, outside triangle", Box2D(6, 6, 9, 9), false},
		{"disjoint", Box2D(20, 20, 30, 30), false},
		{"box straddles edge without corners", Box2D(-1, 3, 11, 4), true},
		{"empty box", EmptyBox(2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tri.Intersects(tt.box))
		})
	}
}

func TestBoundingBox(t *testing.T) {
	b := Box2D(0, 0, 10, 10)
	assert.False(t, b.IsEmpty())
	assert.True(t, NewBoundingBox([]int32{5}, []int32{1}).IsEmpty())
	assert.True(t, NewBoundingBox([]int32{1, 2}, []int32{3}).IsEmpty())

	assert.True(t, b.Intersects(Box2D(10, 10, 20, 20)))
	assert.False(t, b.Intersects(Box2D(11, 0, 20, 20)))
	assert.True(t, b.Contains(Box2D(2, 2, 3, 3)))
	assert.False(t, b.Contains(Box2D(2, 2, 30, 3)))
	assert.True(t, b.ContainsPoint(NewPoint(10, 0)))

	u := b.Union(Box2D(-5, 3, 4, 20))
	assert.Equal(t, int32(-5), u.Min(0))
	assert.Equal(t, int32(20), u.Max(1))

	e := EmptyBox(2).ExtendPoint(NewPoint(3, 4))
	assert.Equal(t, int32(3), e.Min(0))
	assert.Equal(t, int32(4), e.Max(1))
	assert.Equal(t, u, u.Union(EmptyBox(2)))
}
