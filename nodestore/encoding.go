package nodestore

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/geobkd/geometry"
)

// Node record format (little-endian):
//
//	leaf:     kind u8 | count u32 | count × (payload u32 | value [layout.Size()]byte)
//	internal: kind u8 | dim u16 | value i64 | left u64 | right u64 | flag u8 |
//	          NumIndexFields × (min i64 | max i64)   (present when flag == 1)
const (
	leafHeaderSize     = 1 + 4
	internalHeaderSize = 1 + 2 + 8 + 8 + 8 + 1
)

// EncodedSize returns the length of the record MarshalNode produces for n.
func EncodedSize(l geometry.Layout, n *Node) int {
	if n.IsLeaf() {
		return leafHeaderSize + len(n.Items)*(4+l.Size())
	}
	size := internalHeaderSize
	if !n.Extent.IsEmpty() {
		size += l.NumIndexFields * 16
	}
	return size
}

// AppendNode appends the record of n to dst.
func AppendNode(dst []byte, l geometry.Layout, n *Node) []byte {
	dst = append(dst, byte(n.Kind))
	switch n.Kind {
	case KindLeaf:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(n.Items)))
		for _, it := range n.Items {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(it.Payload))
			dst = append(dst, it.Value...)
		}
	case KindInternal:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n.Split.Dim))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(n.Split.Value))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(n.Left))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(n.Right))
		if n.Extent.IsEmpty() {
			dst = append(dst, 0)
			break
		}
		dst = append(dst, 1)
		for i := 0; i < l.NumIndexFields; i++ {
			dst = binary.LittleEndian.AppendUint64(dst, uint64(n.Extent.Min[i]))
			dst = binary.LittleEndian.AppendUint64(dst, uint64(n.Extent.Max[i]))
		}
	}
	return dst
}

// MarshalNode returns the record of n.
func MarshalNode(l geometry.Layout, n *Node) []byte {
	return AppendNode(make([]byte, 0, EncodedSize(l, n)), l, n)
}

func malformed(reason string, b []byte) error {
	return geometry.NewMalformedEncodingError("node record: "+reason, len(b), nil)
}

// UnmarshalNode decodes a record written by AppendNode. The returned node
// does not alias b.
func UnmarshalNode(l geometry.Layout, b []byte) (*Node, error) {
	if len(b) < 1 {
		return nil, malformed("empty", b)
	}
	switch Kind(b[0]) {
	case KindLeaf:
		if len(b) < leafHeaderSize {
			return nil, malformed("truncated leaf header", b)
		}
		count := int(binary.LittleEndian.Uint32(b[1:]))
		itemSize := 4 + l.Size()
		if len(b) != leafHeaderSize+count*itemSize {
			return nil, malformed(fmt.Sprintf("leaf of %d items has wrong length", count), b)
		}
		values := make([]byte, count*l.Size())
		items := make([]Item, count)
		off := leafHeaderSize
		for i := range items {
			items[i].Payload = PayloadID(binary.LittleEndian.Uint32(b[off:]))
			v := values[i*l.Size() : (i+1)*l.Size() : (i+1)*l.Size()]
			copy(v, b[off+4:off+itemSize])
			items[i].Value = v
			off += itemSize
		}
		return &Node{Kind: KindLeaf, Items: items}, nil
	case KindInternal:
		if len(b) < internalHeaderSize {
			return nil, malformed("truncated internal header", b)
		}
		n := &Node{Kind: KindInternal}
		n.Split.Dim = int(binary.LittleEndian.Uint16(b[1:]))
		n.Split.Value = int64(binary.LittleEndian.Uint64(b[3:]))
		n.Left = NodeRef(binary.LittleEndian.Uint64(b[11:]))
		n.Right = NodeRef(binary.LittleEndian.Uint64(b[19:]))
		if n.Split.Dim >= l.NumIndexFields {
			return nil, malformed(fmt.Sprintf("split dim %d out of range", n.Split.Dim), b)
		}
		switch b[27] {
		case 0:
			if len(b) != internalHeaderSize {
				return nil, malformed("trailing bytes", b)
			}
		case 1:
			if len(b) != internalHeaderSize+l.NumIndexFields*16 {
				return nil, malformed("extent has wrong length", b)
			}
			k := l.NumIndexFields
			n.Extent = Extent{Min: make([]int64, k), Max: make([]int64, k)}
			off := internalHeaderSize
			for i := 0; i < k; i++ {
				n.Extent.Min[i] = int64(binary.LittleEndian.Uint64(b[off:]))
				n.Extent.Max[i] = int64(binary.LittleEndian.Uint64(b[off+8:]))
				off += 16
			}
		default:
			return nil, malformed("bad extent flag", b)
		}
		return n, nil
	default:
		return nil, malformed(fmt.Sprintf("unknown kind %d", b[0]), b)
	}
}

// LayoutSize is the length of an encoded layout.
const LayoutSize = 6

// AppendLayout appends l to dst for use in persisted headers.
func AppendLayout(dst []byte, l geometry.Layout) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(l.NumFields))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(l.NumIndexFields))
	return binary.LittleEndian.AppendUint16(dst, uint16(l.BytesPerField))
}

// ParseLayout decodes a layout written by AppendLayout.
func ParseLayout(b []byte) (geometry.Layout, error) {
	if len(b) < LayoutSize {
		return geometry.Layout{}, malformed("truncated layout", b)
	}
	l := geometry.Layout{
		NumFields:      int(binary.LittleEndian.Uint16(b[0:])),
		NumIndexFields: int(binary.LittleEndian.Uint16(b[2:])),
		BytesPerField:  int(binary.LittleEndian.Uint16(b[4:])),
	}
	if err := l.Validate(); err != nil {
		return geometry.Layout{}, geometry.NewMalformedEncodingError("invalid layout", len(b), err)
	}
	return l, nil
}

// CheckLayout returns ErrLayoutMismatch when got differs from want.
func CheckLayout(want, got geometry.Layout) error {
	if want != got {
		return fmt.Errorf("%w: store has %v, index uses %v", ErrLayoutMismatch, got, want)
	}
	return nil
}
