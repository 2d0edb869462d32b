package tree

import (
	"context"

	"github.com/hupe1980/geobkd/nodestore"
)

type step struct {
	ref  nodestore.NodeRef
	node *nodestore.Node
	side nodestore.Side
}

// descend returns the internal nodes on the path to the leaf that receives v,
// followed by that leaf.
func descend(ctx context.Context, s nodestore.Store, t Tree, it nodestore.Item) ([]step, error) {
	l := s.Layout()
	var path []step
	ref := t.Root
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.Read(ctx, ref)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			return append(path, step{ref: ref, node: n}), nil
		}
		side := nodestore.Right
		if goesLeft(l, n.Split, it.Value) {
			side = nodestore.Left
		}
		path = append(path, step{ref: ref, node: n, side: side})
		ref = n.Child(side)
	}
}

// placeLeaf stores items as a single leaf, or as an internal node over two
// leaves when they exceed the capacity.
func placeLeaf(ctx context.Context, b *builder, items []nodestore.Item) (nodestore.NodeRef, error) {
	if len(items) <= b.leafCapacity {
		return b.leaf(ctx, items)
	}
	ext := nodestore.ExtentOf(b.s.Layout(), items)
	split := partition(b.s, items, ext)
	mid := (len(items) + 1) / 2
	left, err := b.leaf(ctx, items[:mid])
	if err != nil {
		return nodestore.NilRef, err
	}
	right, err := b.leaf(ctx, items[mid:])
	if err != nil {
		return nodestore.NilRef, err
	}
	ref, err := b.s.AllocateInternal(ctx, split, left, right, ext)
	if err != nil {
		return nodestore.NilRef, err
	}
	b.allocated = append(b.allocated, ref)
	return ref, nil
}

// Insert adds it to t, mutating the nodes on its path.
//
// Cached extents on the path are widened, the item is appended to its leaf
// and an overflowing leaf is split at the median of its widest field and
// replaced by the resulting subtree. Ancestors are never rebalanced.
//
// On error the original t is returned and every extent written so far is
// restored. New nodes are allocated before the first mutation and released
// again on failure. The replaced leaf is freed only after the new subtree is
// linked; a failure to free it leaves garbage but not a broken tree.
func Insert(ctx context.Context, s nodestore.Store, t Tree, it nodestore.Item) (Tree, error) {
	if t.LeafCapacity < 1 {
		return t, ErrInvalidLeafCapacity
	}
	if err := checkItems(s.Layout(), it); err != nil {
		return t, err
	}
	b := &builder{s: s, leafCapacity: t.LeafCapacity}
	item := nodestore.Item{Payload: it.Payload, Value: it.Value.Clone()}

	if t.IsEmpty() {
		ref, err := b.leaf(ctx, []nodestore.Item{item})
		if err != nil {
			b.rollback(ctx)
			return t, err
		}
		out := t
		out.Root, out.Count = ref, 1
		return out, nil
	}

	path, err := descend(ctx, s, t, item)
	if err != nil {
		return t, err
	}
	leaf := path[len(path)-1]
	parents := path[:len(path)-1]
	items := append(append(make([]nodestore.Item, 0, len(leaf.node.Items)+1), leaf.node.Items...), item)

	if len(items) <= t.LeafCapacity {
		widened, err := widen(ctx, s, parents, item)
		if err == nil {
			err = s.WriteLeafItems(ctx, leaf.ref, items)
		}
		if err != nil {
			restore(ctx, s, widened)
			return t, err
		}
		out := t
		out.Count++
		return out, nil
	}

	sub, err := placeLeaf(ctx, b, items)
	if err != nil {
		b.rollback(ctx)
		return t, err
	}
	widened, err := widen(ctx, s, parents, item)
	if err == nil && len(parents) > 0 {
		p := parents[len(parents)-1]
		err = s.ReplaceChild(ctx, p.ref, p.side, sub)
	}
	if err != nil {
		restore(ctx, s, widened)
		b.rollback(ctx)
		return t, err
	}

	out := t
	if len(parents) == 0 {
		out.Root = sub
	}
	if f, ok := s.(nodestore.Freer); ok {
		_ = f.Free(ctx, leaf.ref)
	}
	out.Count++
	out.Height = max(t.Height, len(parents)+1)
	return out, nil
}

// widen grows the cached extents on path to cover it. It returns the steps
// it rewrote, with their previous extents, even when it fails part way.
func widen(ctx context.Context, s nodestore.Store, path []step, it nodestore.Item) ([]step, error) {
	l := s.Layout()
	var done []step
	for _, st := range path {
		ext := st.node.Extent.Add(l, it.Value)
		if ext.Equal(st.node.Extent) {
			continue
		}
		if err := s.WriteExtent(ctx, st.ref, ext); err != nil {
			return done, err
		}
		done = append(done, st)
	}
	return done, nil
}

// restore writes back the extents recorded by widen.
func restore(ctx context.Context, s nodestore.Store, widened []step) {
	for _, st := range widened {
		_ = s.WriteExtent(context.WithoutCancel(ctx), st.ref, st.node.Extent)
	}
}

// InsertCOW adds it to t without mutating any node reachable from t.Root.
//
// The receiving leaf (or the subtree replacing it) and every ancestor on the
// path are copied. The returned refs are the nodes of t that are no longer
// reachable from the new root; they may be freed once no reader uses t.
func InsertCOW(ctx context.Context, s nodestore.Store, t Tree, it nodestore.Item) (Tree, []nodestore.NodeRef, error) {
	if t.LeafCapacity < 1 {
		return t, nil, ErrInvalidLeafCapacity
	}
	if err := checkItems(s.Layout(), it); err != nil {
		return t, nil, err
	}
	b := &builder{s: s, leafCapacity: t.LeafCapacity}
	item := nodestore.Item{Payload: it.Payload, Value: it.Value.Clone()}

	if t.IsEmpty() {
		ref, err := b.leaf(ctx, []nodestore.Item{item})
		if err != nil {
			b.rollback(ctx)
			return t, nil, err
		}
		t.Root, t.Count = ref, 1
		return t, nil, nil
	}

	path, err := descend(ctx, s, t, item)
	if err != nil {
		return t, nil, err
	}
	leaf := path[len(path)-1]
	items := append(append(make([]nodestore.Item, 0, len(leaf.node.Items)+1), leaf.node.Items...), item)

	child, err := placeLeaf(ctx, b, items)
	if err != nil {
		b.rollback(ctx)
		return t, nil, err
	}
	retired := make([]nodestore.NodeRef, 0, len(path))
	retired = append(retired, leaf.ref)

	depth := len(path) - 1
	if len(items) > t.LeafCapacity {
		depth++
	}
	l := s.Layout()
	for i := len(path) - 2; i >= 0; i-- {
		st := path[i]
		left, right := st.node.Left, st.node.Right
		if st.side == nodestore.Left {
			left = child
		} else {
			right = child
		}
		ref, err := s.AllocateInternal(ctx, st.node.Split, left, right, st.node.Extent.Add(l, item.Value))
		if err != nil {
			b.rollback(ctx)
			return t, nil, err
		}
		b.allocated = append(b.allocated, ref)
		retired = append(retired, st.ref)
		child = ref
	}

	t.Root = child
	t.Count++
	t.Height = max(t.Height, depth)
	return t, retired, nil
}
