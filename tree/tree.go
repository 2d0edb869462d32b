// Package tree builds and maintains BKD trees over a nodestore.Store.
//
// Internal nodes split on one index field: items whose field is below the
// split value go left, all others go right. Every internal node caches the
// extent of all items below it, which queries use for pruning.
//
// BulkBuild produces a balanced tree from a batch of items. Insert grows a
// tree in place, splitting overflowing leaves at the median of their widest
// field. InsertCOW grows it without mutating any reachable node, which lets
// readers keep using the previous root.
package tree

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

// DefaultLeafCapacity is the leaf capacity used when none is given.
const DefaultLeafCapacity = 512

var (
	// ErrInvalidLeafCapacity is returned for a leaf capacity below 1.
	ErrInvalidLeafCapacity = errors.New("leaf capacity must be positive")
	// ErrCorrupt is returned by Validate when a structural invariant fails.
	ErrCorrupt = errors.New("tree invariant violated")
)

// Tree is a root reference together with the parameters it was built with.
// A Tree value is immutable; Insert and InsertCOW return a new value.
type Tree struct {
	Root         nodestore.NodeRef
	Layout       geometry.Layout
	LeafCapacity int
	Count        uint64
	// Height is the number of edges on the longest root-to-leaf path.
	Height int
}

// Empty returns an empty tree.
func Empty(l geometry.Layout, leafCapacity int) Tree {
	return Tree{Layout: l, LeafCapacity: leafCapacity}
}

// IsEmpty reports whether the tree holds no item.
func (t Tree) IsEmpty() bool { return t.Root == nodestore.NilRef }

// BalancedHeight returns ⌈log2(count/leafCapacity)⌉, the height of a bulk
// built tree of count items.
func BalancedHeight(count uint64, leafCapacity int) int {
	if leafCapacity <= 0 || count <= uint64(leafCapacity) {
		return 0
	}
	leaves := (count + uint64(leafCapacity) - 1) / uint64(leafCapacity)
	return bits.Len64(leaves - 1)
}

func checkItems(l geometry.Layout, items ...nodestore.Item) error {
	for _, it := range items {
		if len(it.Value) != l.Size() {
			return geometry.NewMalformedEncodingError(
				fmt.Sprintf("item %d: expected %d bytes", it.Payload, l.Size()), len(it.Value), nil)
		}
	}
	return nil
}

// widestDim returns the index field with the largest spread, preferring the
// lowest index on ties.
func widestDim(ext nodestore.Extent) int {
	best, spread := 0, uint64(0)
	for i := range ext.Min {
		if s := ext.Spread(i); s > spread {
			best, spread = i, s
		}
	}
	return best
}

func goesLeft(l geometry.Layout, split nodestore.Split, v geometry.EncodedPrimitive) bool {
	return l.Field(v, split.Dim) < split.Value
}
