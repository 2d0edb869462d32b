package testutil

import (
	"math/rand"
	"slices"
	"sync"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// coordLocked returns a coordinate in [-span/2, span/2). Caller holds r.mu.
func (r *RNG) coordLocked(span int32) int32 {
	return r.rand.Int31n(span) - span/2
}

// Vertex returns a random vertex with coordinates in [-span/2, span/2).
func (r *RNG) Vertex(span int32) geometry.Vertex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return geometry.Vertex{X: r.coordLocked(span), Y: r.coordLocked(span)}
}

// Triangles generates n non-degenerate triangles with vertices in
// [-span/2, span/2) and random edge flags.
func (r *RNG) Triangles(n int, span int32) []geometry.Triangle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]geometry.Triangle, 0, n)
	for len(out) < n {
		a := geometry.Vertex{X: r.coordLocked(span), Y: r.coordLocked(span)}
		b := geometry.Vertex{X: r.coordLocked(span), Y: r.coordLocked(span)}
		c := geometry.Vertex{X: r.coordLocked(span), Y: r.coordLocked(span)}
		t, err := geometry.NewTriangle(a, b, c, r.rand.Intn(2) == 0, r.rand.Intn(2) == 0, r.rand.Intn(2) == 0)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SmallTriangles generates n triangles whose vertices lie within size of an
// anchor drawn from [-span/2, span/2). Useful for selective queries.
func (r *RNG) SmallTriangles(n int, span, size int32) []geometry.Triangle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]geometry.Triangle, 0, n)
	for len(out) < n {
		ox, oy := r.coordLocked(span), r.coordLocked(span)
		v := func() geometry.Vertex {
			return geometry.Vertex{X: ox + r.rand.Int31n(size), Y: oy + r.rand.Int31n(size)}
		}
		t, err := geometry.NewTriangle(v(), v(), v(), true, true, true)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Points generates n points of dims coordinates in [-span/2, span/2).
func (r *RNG) Points(n, dims int, span int32) []geometry.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]geometry.Point, n)
	coords := make([]int32, dims)
	for i := range out {
		for d := range coords {
			coords[d] = r.coordLocked(span)
		}
		out[i] = geometry.NewPoint(coords...)
	}
	return out
}

// Box returns a random non-empty 2-D box inside [-span/2, span/2).
func (r *RNG) Box(span int32) geometry.BoundingBox {
	r.mu.Lock()
	defer r.mu.Unlock()

	x0, x1 := r.coordLocked(span), r.coordLocked(span)
	y0, y1 := r.coordLocked(span), r.coordLocked(span)
	return geometry.Box2D(min(x0, x1), min(y0, y1), max(x0, x1), max(y0, y1))
}

// EncodeAll encodes shapes with codec; item i gets payload i.
// It panics on error and is meant for fixtures.
func EncodeAll[S geometry.Shape](codec geometry.Codec, shapes []S) []nodestore.Item {
	items := make([]nodestore.Item, len(shapes))
	for i, s := range shapes {
		v, err := codec.EncodeShape(s)
		if err != nil {
			panic(err)
		}
		items[i] = nodestore.Item{Payload: nodestore.PayloadID(i), Value: v}
	}
	return items
}

// BruteForce returns the sorted payloads of every item whose decoded shape
// intersects region. It is the oracle for query tests.
func BruteForce(codec geometry.Codec, items []nodestore.Item, region geometry.BoundingBox) []uint32 {
	var out []uint32
	if region.IsEmpty() {
		return out
	}
	for _, it := range items {
		s, err := codec.Decode(it.Value)
		if err != nil {
			panic(err)
		}
		if s.Intersects(region) {
			out = append(out, uint32(it.Payload))
		}
	}
	slices.Sort(out)
	return out
}
