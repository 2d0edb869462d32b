package geometry

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrUnsupportedShape is returned when a codec is asked to encode a shape
// kind it does not handle.
var ErrUnsupportedShape = errors.New("unsupported shape")

// Shape is a decoded primitive.
type Shape interface {
	// Bounds returns the axis-aligned bounding box of the shape.
	Bounds() BoundingBox
	// Intersects reports exact intersection with a box.
	Intersects(BoundingBox) bool
}

// Codec converts shapes to and from fixed-width encoded primitives.
type Codec interface {
	Layout() Layout
	EncodeShape(Shape) (EncodedPrimitive, error)
	Decode(EncodedPrimitive) (Shape, error)
	// Extent maps per-index-field [min, max] ranges of a subtree to a
	// spatial box that contains every primitive of the subtree.
	Extent(min, max []int64) BoundingBox
}

var (
	_ Codec = (*TriangleCodec)(nil)
	_ Codec = (*PointCodec)(nil)
	_ Shape = Triangle{}
	_ Shape = Point{}
)

// Index field order of triangle encodings.
const (
	fieldMinY = iota
	fieldMinX
	fieldMaxY
	fieldMaxX
	fieldOtherX
	fieldOtherY
	fieldBits
)

// Bit layout of the last triangle field (encoding version 1).
const (
	bitMaxXOnC   = 1 << 0
	shiftMinYIdx = 1
	shiftMaxYIdx = 3
	bitEdgeAB    = 1 << 5
	bitEdgeBC    = 1 << 6
	bitEdgeCA    = 1 << 7
	idxMask      = 0x3
)

// TriangleCodec encodes canonical triangles into 7 fields: the bounding box
// as four index fields [minY, minX, maxY, maxX] followed by the X and Y that
// are not box extremes and a bit field that says where each extreme lives.
type TriangleCodec struct {
	layout Layout
}

// NewTriangleCodec returns a codec with TriangleLayout.
func NewTriangleCodec() *TriangleCodec {
	return &TriangleCodec{layout: TriangleLayout}
}

// NewTriangleCodecWidth returns a codec storing each field in bytesPerField
// bytes. Coordinates must fit that width.
func NewTriangleCodecWidth(bytesPerField int) (*TriangleCodec, error) {
	l := Layout{NumFields: 7, NumIndexFields: 4, BytesPerField: bytesPerField}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &TriangleCodec{layout: l}, nil
}

// Layout returns the codec layout.
func (c *TriangleCodec) Layout() Layout { return c.layout }

func (c *TriangleCodec) checkRange(vs ...int32) error {
	lo, hi := c.layout.Range()
	for _, v := range vs {
		if int64(v) < lo || int64(v) > hi {
			return &CoordinateRangeError{Value: float64(v), Min: float64(lo), Max: float64(hi)}
		}
	}
	return nil
}

// Encode canonicalizes t and packs it.
func (c *TriangleCodec) Encode(t Triangle) (EncodedPrimitive, error) {
	t, err := Canonicalize(t)
	if err != nil {
		return nil, err
	}
	if err := c.checkRange(t.a.X, t.a.Y, t.b.X, t.b.Y, t.c.X, t.c.Y); err != nil {
		return nil, err
	}

	minX := t.a.X
	maxX, otherX := t.b.X, t.c.X
	var bits uint32
	if t.c.X > t.b.X {
		maxX, otherX = t.c.X, t.b.X
		bits |= bitMaxXOnC
	}

	ys := [3]int32{t.a.Y, t.b.Y, t.c.Y}
	iMin, iMax := 0, 0
	for i := 1; i < 3; i++ {
		if ys[i] < ys[iMin] {
			iMin = i
		}
		if ys[i] > ys[iMax] {
			iMax = i
		}
	}
	otherY := ys[3-iMin-iMax]
	bits |= uint32(iMin) << shiftMinYIdx
	bits |= uint32(iMax) << shiftMaxYIdx
	if t.ab {
		bits |= bitEdgeAB
	}
	if t.bc {
		bits |= bitEdgeBC
	}
	if t.ca {
		bits |= bitEdgeCA
	}

	p := make(EncodedPrimitive, c.layout.Size())
	c.layout.PutField(p, fieldMinY, int64(ys[iMin]))
	c.layout.PutField(p, fieldMinX, int64(minX))
	c.layout.PutField(p, fieldMaxY, int64(ys[iMax]))
	c.layout.PutField(p, fieldMaxX, int64(maxX))
	c.layout.PutField(p, fieldOtherX, int64(otherX))
	c.layout.PutField(p, fieldOtherY, int64(otherY))
	c.putBits(p, bits)
	return p, nil
}

// EncodeShape encodes a Triangle.
func (c *TriangleCodec) EncodeShape(s Shape) (EncodedPrimitive, error) {
	t, ok := s.(Triangle)
	if !ok {
		return nil, fmt.Errorf("%w: triangle codec cannot encode %T", ErrUnsupportedShape, s)
	}
	return c.Encode(t)
}

// The bit field is stored unsigned so that a 1-byte layout still holds 8 bits.
func (c *TriangleCodec) putBits(p EncodedPrimitive, bits uint32) {
	w := c.layout.BytesPerField
	off := fieldBits * w
	for i := w - 1; i >= 0; i-- {
		p[off+i] = byte(bits)
		bits >>= 8
	}
}

func (c *TriangleCodec) bits(p EncodedPrimitive) uint32 {
	w := c.layout.BytesPerField
	off := fieldBits * w
	var bits uint32
	for i := 0; i < w; i++ {
		bits = bits<<8 | uint32(p[off+i])
	}
	return bits
}

// Decode returns the triangle as a Shape.
func (c *TriangleCodec) Decode(p EncodedPrimitive) (Shape, error) {
	t, err := c.DecodeTriangle(p)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DecodeTriangle is the exact inverse of Encode. Input that Encode could not
// have produced is rejected with a MalformedEncodingError.
func (c *TriangleCodec) DecodeTriangle(p EncodedPrimitive) (Triangle, error) {
	if len(p) != c.layout.Size() {
		return Triangle{}, NewMalformedEncodingError(
			fmt.Sprintf("expected %d bytes", c.layout.Size()), len(p), nil)
	}
	bits := c.bits(p)
	if bits>>8 != 0 {
		return Triangle{}, NewMalformedEncodingError("reserved bits set", len(p), nil)
	}
	iMin := int(bits>>shiftMinYIdx) & idxMask
	iMax := int(bits>>shiftMaxYIdx) & idxMask
	if iMin == 3 || iMax == 3 || iMin == iMax {
		return Triangle{}, NewMalformedEncodingError("invalid y extreme indices", len(p), nil)
	}

	l := c.layout
	minY := int32(l.Field(p, fieldMinY))
	minX := int32(l.Field(p, fieldMinX))
	maxY := int32(l.Field(p, fieldMaxY))
	maxX := int32(l.Field(p, fieldMaxX))
	otherX := int32(l.Field(p, fieldOtherX))
	otherY := int32(l.Field(p, fieldOtherY))

	bx, cx := maxX, otherX
	if bits&bitMaxXOnC != 0 {
		bx, cx = otherX, maxX
	}
	var ys [3]int32
	ys[iMin] = minY
	ys[iMax] = maxY
	ys[3-iMin-iMax] = otherY

	t, err := NewTriangle(
		Vertex{X: minX, Y: ys[0]},
		Vertex{X: bx, Y: ys[1]},
		Vertex{X: cx, Y: ys[2]},
		bits&bitEdgeAB != 0, bits&bitEdgeBC != 0, bits&bitEdgeCA != 0,
	)
	if err != nil {
		return Triangle{}, NewMalformedEncodingError("degenerate triangle", len(p), err)
	}
	if !t.IsCanonical() {
		return Triangle{}, NewMalformedEncodingError("triangle not canonical", len(p), nil)
	}
	// Re-encoding must reproduce the input byte for byte; this rejects
	// boxes that do not enclose the reconstruction and non-first extremes.
	q, err := c.Encode(t)
	if err != nil {
		return Triangle{}, NewMalformedEncodingError("re-encode failed", len(p), err)
	}
	if !bytes.Equal(p, q) {
		return Triangle{}, NewMalformedEncodingError("inconsistent bounding box", len(p), nil)
	}
	return t, nil
}

// Extent returns the union of all triangle bounds whose index fields lie in
// the given ranges.
func (c *TriangleCodec) Extent(min, max []int64) BoundingBox {
	if len(min) != 4 || len(max) != 4 {
		return EmptyBox(2)
	}
	return NewBoundingBox(
		[]int32{clamp32(min[fieldMinX]), clamp32(min[fieldMinY])},
		[]int32{clamp32(max[fieldMaxX]), clamp32(max[fieldMaxY])},
	)
}

// PointCodec encodes d-dimensional points. Every field is an index field.
type PointCodec struct {
	layout Layout
}

// NewPointCodec returns a codec with PointLayout(dims).
func NewPointCodec(dims int) *PointCodec {
	return &PointCodec{layout: PointLayout(dims)}
}

// NewPointCodecWidth returns a point codec with a custom field width.
func NewPointCodecWidth(dims, bytesPerField int) (*PointCodec, error) {
	l := Layout{NumFields: dims, NumIndexFields: dims, BytesPerField: bytesPerField}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &PointCodec{layout: l}, nil
}

// Layout returns the codec layout.
func (c *PointCodec) Layout() Layout { return c.layout }

// Encode packs p.
func (c *PointCodec) Encode(p Point) (EncodedPrimitive, error) {
	if p.Dims() != c.layout.NumFields {
		return nil, fmt.Errorf("%w: point has %d dims, codec expects %d",
			ErrUnsupportedShape, p.Dims(), c.layout.NumFields)
	}
	lo, hi := c.layout.Range()
	out := make(EncodedPrimitive, c.layout.Size())
	for d, v := range p.coords {
		if int64(v) < lo || int64(v) > hi {
			return nil, &CoordinateRangeError{Value: float64(v), Min: float64(lo), Max: float64(hi)}
		}
		c.layout.PutField(out, d, int64(v))
	}
	return out, nil
}

// EncodeShape encodes a Point.
func (c *PointCodec) EncodeShape(s Shape) (EncodedPrimitive, error) {
	p, ok := s.(Point)
	if !ok {
		return nil, fmt.Errorf("%w: point codec cannot encode %T", ErrUnsupportedShape, s)
	}
	return c.Encode(p)
}

// Decode returns the point as a Shape.
func (c *PointCodec) Decode(e EncodedPrimitive) (Shape, error) {
	p, err := c.DecodePoint(e)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePoint unpacks a point.
func (c *PointCodec) DecodePoint(e EncodedPrimitive) (Point, error) {
	if len(e) != c.layout.Size() {
		return Point{}, NewMalformedEncodingError(
			fmt.Sprintf("expected %d bytes", c.layout.Size()), len(e), nil)
	}
	coords := make([]int32, c.layout.NumFields)
	for d := range coords {
		coords[d] = int32(c.layout.Field(e, d))
	}
	return Point{coords: coords}, nil
}

// Extent returns the box spanned by the field ranges.
func (c *PointCodec) Extent(min, max []int64) BoundingBox {
	if len(min) != c.layout.NumFields || len(max) != c.layout.NumFields {
		return EmptyBox(c.layout.NumFields)
	}
	lo := make([]int32, len(min))
	hi := make([]int32, len(max))
	for i := range min {
		lo[i], hi[i] = clamp32(min[i]), clamp32(max[i])
	}
	return NewBoundingBox(lo, hi)
}

func clamp32(v int64) int32 {
	const lo, hi = -1 << 31, 1<<31 - 1
	return int32(max(lo, min(v, hi)))
}
