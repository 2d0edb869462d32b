package geometry

import "math/bits"

// int128 is a signed 128-bit integer in two's complement. Orientation tests
// multiply 33-bit differences, which overflow int64.
type int128 struct {
	hi int64
	lo uint64
}

func mul64(a, b int64) int128 {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(abs64(a), abs64(b))
	r := int128{hi: int64(hi), lo: lo}
	if neg {
		r = r.neg()
	}
	return r
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func (x int128) neg() int128 {
	lo := ^x.lo + 1
	hi := ^x.hi
	if lo == 0 {
		hi++
	}
	return int128{hi: hi, lo: lo}
}

func (x int128) cmp(y int128) int {
	switch {
	case x.hi < y.hi:
		return -1
	case x.hi > y.hi:
		return 1
	case x.lo < y.lo:
		return -1
	case x.lo > y.lo:
		return 1
	}
	return 0
}

// orient returns +1 when a, b, c turn counter-clockwise, -1 when clockwise
// and 0 when colinear. Exact for the full int32 domain.
func orient(a, b, c Vertex) int {
	l := mul64(int64(b.X)-int64(a.X), int64(c.Y)-int64(a.Y))
	r := mul64(int64(b.Y)-int64(a.Y), int64(c.X)-int64(a.X))
	return l.cmp(r)
}

func onSegment(p, a, b Vertex) bool {
	return min(a.X, b.X) <= p.X && p.X <= max(a.X, b.X) &&
		min(a.Y, b.Y) <= p.Y && p.Y <= max(a.Y, b.Y)
}

// segmentsIntersect reports whether the closed segments ab and cd share a point.
func segmentsIntersect(a, b, c, d Vertex) bool {
	o1 := orient(a, b, c)
	o2 := orient(a, b, d)
	o3 := orient(c, d, a)
	o4 := orient(c, d, b)

	if o1 != o2 && o3 != o4 {
		return true
	}
	switch {
	case o1 == 0 && onSegment(c, a, b):
		return true
	case o2 == 0 && onSegment(d, a, b):
		return true
	case o3 == 0 && onSegment(a, c, d):
		return true
	case o4 == 0 && onSegment(b, c, d):
		return true
	}
	return false
}
