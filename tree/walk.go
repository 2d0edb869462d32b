package tree

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/hupe1980/geobkd/nodestore"
)

// Visit is called for every node in depth-first, left-to-right order.
// Returning false skips the children of an internal node.
type Visit func(ref nodestore.NodeRef, n *nodestore.Node, depth int) (bool, error)

// VisitNodes walks every node of t.
func VisitNodes(ctx context.Context, s nodestore.Store, t Tree, fn Visit) error {
	if t.IsEmpty() {
		return nil
	}
	type frame struct {
		ref   nodestore.NodeRef
		depth int
	}
	stack := []frame{{t.Root, 0}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := s.Read(ctx, f.ref)
		if err != nil {
			return err
		}
		descend, err := fn(f.ref, n, f.depth)
		if err != nil {
			return err
		}
		if descend && !n.IsLeaf() {
			stack = append(stack, frame{n.Right, f.depth + 1}, frame{n.Left, f.depth + 1})
		}
	}
	return nil
}

// Height returns the number of edges on the longest root-to-leaf path. An
// empty tree and a single leaf both have height 0.
func Height(ctx context.Context, s nodestore.Store, t Tree) (int, error) {
	h := 0
	err := VisitNodes(ctx, s, t, func(_ nodestore.NodeRef, _ *nodestore.Node, depth int) (bool, error) {
		h = max(h, depth)
		return true, nil
	})
	return h, err
}

// Walk yields every stored item. Iteration stops at the first error.
func Walk(ctx context.Context, s nodestore.Store, t Tree) iter.Seq2[nodestore.Item, error] {
	return func(yield func(nodestore.Item, error) bool) {
		stop := false
		err := VisitNodes(ctx, s, t, func(_ nodestore.NodeRef, n *nodestore.Node, _ int) (bool, error) {
			for _, it := range n.Items {
				if !yield(it, nil) {
					stop = true
					return false, errStop
				}
			}
			return true, nil
		})
		if err != nil && !stop {
			yield(nodestore.Item{}, err)
		}
	}
}

var errStop = errors.New("stop")

// Extract returns every stored item.
func Extract(ctx context.Context, s nodestore.Store, t Tree) ([]nodestore.Item, error) {
	items := make([]nodestore.Item, 0, t.Count)
	for it, err := range Walk(ctx, s, t) {
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Refs returns the ref of every node of t.
func Refs(ctx context.Context, s nodestore.Store, t Tree) ([]nodestore.NodeRef, error) {
	var refs []nodestore.NodeRef
	err := VisitNodes(ctx, s, t, func(ref nodestore.NodeRef, _ *nodestore.Node, _ int) (bool, error) {
		refs = append(refs, ref)
		return true, nil
	})
	return refs, err
}

// Stats summarizes the shape of a tree.
type Stats struct {
	Nodes        int
	Leaves       int
	Items        int
	Height       int
	MaxLeafItems int
	// BalancedHeight is the height a bulk build of the same items would have.
	BalancedHeight int
}

// Collect computes Stats for t.
func Collect(ctx context.Context, s nodestore.Store, t Tree) (Stats, error) {
	var st Stats
	err := VisitNodes(ctx, s, t, func(_ nodestore.NodeRef, n *nodestore.Node, depth int) (bool, error) {
		st.Nodes++
		st.Height = max(st.Height, depth)
		if n.IsLeaf() {
			st.Leaves++
			st.Items += len(n.Items)
			st.MaxLeafItems = max(st.MaxLeafItems, len(n.Items))
		}
		return true, nil
	})
	st.BalancedHeight = BalancedHeight(uint64(st.Items), t.LeafCapacity)
	return st, err
}

// Validate checks that every cached extent equals the extent of the items
// below it, that leaves respect the capacity and that Count is accurate.
func Validate(ctx context.Context, s nodestore.Store, t Tree) error {
	if t.IsEmpty() {
		if t.Count != 0 {
			return fmt.Errorf("%w: empty tree with count %d", ErrCorrupt, t.Count)
		}
		return nil
	}
	count := uint64(0)
	if _, err := validate(ctx, s, t, t.Root, &count); err != nil {
		return err
	}
	if count != t.Count {
		return fmt.Errorf("%w: count %d, found %d items", ErrCorrupt, t.Count, count)
	}
	return nil
}

func validate(ctx context.Context, s nodestore.Store, t Tree, ref nodestore.NodeRef, count *uint64) (nodestore.Extent, error) {
	n, err := s.Read(ctx, ref)
	if err != nil {
		return nodestore.Extent{}, err
	}
	l := s.Layout()
	if n.IsLeaf() {
		if len(n.Items) > t.LeafCapacity {
			return nodestore.Extent{}, fmt.Errorf("%w: leaf %d holds %d > %d items", ErrCorrupt, ref, len(n.Items), t.LeafCapacity)
		}
		*count += uint64(len(n.Items))
		return nodestore.ExtentOf(l, n.Items), nil
	}
	left, err := validate(ctx, s, t, n.Left, count)
	if err != nil {
		return nodestore.Extent{}, err
	}
	right, err := validate(ctx, s, t, n.Right, count)
	if err != nil {
		return nodestore.Extent{}, err
	}
	ext := left.Union(right)
	if !ext.Equal(n.Extent) {
		return nodestore.Extent{}, fmt.Errorf("%w: node %d caches %v, children span %v", ErrCorrupt, ref, n.Extent, ext)
	}
	return ext, nil
}
