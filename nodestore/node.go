package nodestore

import (
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/geobkd/geometry"
)

// NodeRef is a backend-defined handle to a node. NilRef marks absence.
type NodeRef uint64

// NilRef is the zero reference. No backend hands it out.
const NilRef NodeRef = 0

// PayloadID is the opaque caller identifier attached to an item.
type PayloadID uint32

// Item is one stored primitive.
type Item struct {
	Payload PayloadID
	Value   geometry.EncodedPrimitive
}

// Kind distinguishes leaves from internal nodes.
type Kind uint8

const (
	KindLeaf Kind = iota + 1
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Side selects a child of an internal node.
type Side uint8

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Split is the partition rule of an internal node: items whose field Dim is
// below Value go left, all others go right.
type Split struct {
	Dim   int
	Value int64
}

// Extent is the per-index-field [min, max] of every item below a node.
// An extent with no items has nil slices.
type Extent struct {
	Min, Max []int64
}

// IsEmpty reports whether the extent covers no item.
func (e Extent) IsEmpty() bool { return len(e.Min) == 0 }

// Clone returns a deep copy.
func (e Extent) Clone() Extent {
	return Extent{Min: slices.Clone(e.Min), Max: slices.Clone(e.Max)}
}

// Equal reports whether both extents cover the same ranges.
func (e Extent) Equal(o Extent) bool {
	return slices.Equal(e.Min, o.Min) && slices.Equal(e.Max, o.Max)
}

// Add returns the extent widened to include v. The receiver is not modified.
func (e Extent) Add(l geometry.Layout, v geometry.EncodedPrimitive) Extent {
	n := l.NumIndexFields
	out := Extent{Min: make([]int64, n), Max: make([]int64, n)}
	for i := 0; i < n; i++ {
		f := l.Field(v, i)
		if e.IsEmpty() {
			out.Min[i], out.Max[i] = f, f
			continue
		}
		out.Min[i] = min(e.Min[i], f)
		out.Max[i] = max(e.Max[i], f)
	}
	return out
}

// Union returns the smallest extent covering both.
func (e Extent) Union(o Extent) Extent {
	if e.IsEmpty() {
		return o.Clone()
	}
	if o.IsEmpty() {
		return e.Clone()
	}
	out := e.Clone()
	for i := range out.Min {
		out.Min[i] = min(out.Min[i], o.Min[i])
		out.Max[i] = max(out.Max[i], o.Max[i])
	}
	return out
}

// Spread returns max-min of field i, or 0 for an empty extent.
func (e Extent) Spread(i int) uint64 {
	if e.IsEmpty() {
		return 0
	}
	return uint64(e.Max[i] - e.Min[i])
}

// ExtentOf computes the extent of items.
func ExtentOf(l geometry.Layout, items []Item) Extent {
	if len(items) == 0 {
		return Extent{}
	}
	n := l.NumIndexFields
	ext := Extent{Min: make([]int64, n), Max: make([]int64, n)}
	for i := range ext.Min {
		ext.Min[i], ext.Max[i] = math.MaxInt64, math.MinInt64
	}
	for _, it := range items {
		for i := 0; i < n; i++ {
			f := l.Field(it.Value, i)
			ext.Min[i] = min(ext.Min[i], f)
			ext.Max[i] = max(ext.Max[i], f)
		}
	}
	return ext
}

// Node is a leaf or an internal node. Nodes returned by a Store are shared
// and must be treated as read-only.
type Node struct {
	Kind Kind

	// Leaf
	Items []Item

	// Internal
	Split       Split
	Left, Right NodeRef
	Extent      Extent
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.Kind == KindLeaf }

// Child returns the child on side s.
func (n *Node) Child(s Side) NodeRef {
	if s == Left {
		return n.Left
	}
	return n.Right
}

// Bounds returns the node extent. Leaves compute it from their items.
func (n *Node) Bounds(l geometry.Layout) Extent {
	if n.IsLeaf() {
		return ExtentOf(l, n.Items)
	}
	return n.Extent
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := *n
	if n.Items != nil {
		c.Items = make([]Item, len(n.Items))
		for i, it := range n.Items {
			c.Items[i] = Item{Payload: it.Payload, Value: it.Value.Clone()}
		}
	}
	c.Extent = n.Extent.Clone()
	return &c
}

// SizeBytes estimates the memory held by n.
func (n *Node) SizeBytes(l geometry.Layout) int64 {
	const header = 64
	if n.IsLeaf() {
		return header + int64(len(n.Items))*int64(l.Size()+28)
	}
	return header + int64(len(n.Extent.Min)+len(n.Extent.Max))*8
}

// CloneItems copies items and their encoded values.
func CloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{Payload: it.Payload, Value: it.Value.Clone()}
	}
	return out
}
