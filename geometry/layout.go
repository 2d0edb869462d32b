package geometry

import (
	"errors"
	"fmt"
)

// ErrInvalidLayout is returned by Layout.Validate.
var ErrInvalidLayout = errors.New("invalid layout")

// Layout describes the fixed shape of every EncodedPrimitive of an index.
// Index fields come first and are the only fields the tree splits on.
type Layout struct {
	NumFields      int
	NumIndexFields int
	BytesPerField  int
}

// TriangleLayout is the layout produced by NewTriangleCodec.
var TriangleLayout = Layout{NumFields: 7, NumIndexFields: 4, BytesPerField: 4}

// PointLayout returns the layout of d-dimensional points.
func PointLayout(d int) Layout {
	return Layout{NumFields: d, NumIndexFields: d, BytesPerField: 4}
}

// Validate checks the layout invariants.
func (l Layout) Validate() error {
	switch {
	case l.BytesPerField < 1 || l.BytesPerField > 4:
		return fmt.Errorf("%w: bytes per field %d not in [1,4]", ErrInvalidLayout, l.BytesPerField)
	case l.NumIndexFields < 1:
		return fmt.Errorf("%w: at least one index field required", ErrInvalidLayout)
	case l.NumFields < l.NumIndexFields:
		return fmt.Errorf("%w: %d fields < %d index fields", ErrInvalidLayout, l.NumFields, l.NumIndexFields)
	case l.NumFields > 255:
		return fmt.Errorf("%w: too many fields (%d)", ErrInvalidLayout, l.NumFields)
	}
	return nil
}

// Size returns the byte length of one encoded primitive.
func (l Layout) Size() int { return l.NumFields * l.BytesPerField }

// Field decodes field i of p as a signed value.
func (l Layout) Field(p EncodedPrimitive, i int) int64 {
	off := i * l.BytesPerField
	return Sortable(p[off:off+l.BytesPerField], l.BytesPerField)
}

// PutField encodes v as field i of p.
func (l Layout) PutField(p EncodedPrimitive, i int, v int64) {
	off := i * l.BytesPerField
	PutSortable(p[off:off+l.BytesPerField], v, l.BytesPerField)
}

// Range returns the smallest and largest value a field can hold.
func (l Layout) Range() (lo, hi int64) { return SignedRange(l.BytesPerField) }

func (l Layout) String() string {
	return fmt.Sprintf("Layout{fields=%d index=%d width=%d}", l.NumFields, l.NumIndexFields, l.BytesPerField)
}

// EncodedPrimitive is a fixed-width byte tuple of Layout.Size() bytes.
// Comparing any index field bytewise matches numeric order.
type EncodedPrimitive []byte

// Clone returns a copy of p.
func (p EncodedPrimitive) Clone() EncodedPrimitive {
	return append(EncodedPrimitive(nil), p...)
}
