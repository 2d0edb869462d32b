package tree

import (
	"context"
	"slices"

	"github.com/hupe1980/geobkd/nodestore"
)

// BulkBuild builds a balanced tree from items.
//
// Each step splits on the index field with the greatest spread, sorts
// stably on it and gives the left child the first ⌈n/2⌉ items. The split
// value is the first value of the right half. items is not modified.
func BulkBuild(ctx context.Context, s nodestore.Store, items []nodestore.Item, leafCapacity int) (Tree, error) {
	l := s.Layout()
	if leafCapacity < 1 {
		return Tree{}, ErrInvalidLeafCapacity
	}
	if err := checkItems(l, items...); err != nil {
		return Tree{}, err
	}
	t := Empty(l, leafCapacity)
	if len(items) == 0 {
		return t, nil
	}

	b := &builder{s: s, leafCapacity: leafCapacity}
	root, _, err := b.build(ctx, slices.Clone(items))
	if err != nil {
		b.rollback(ctx)
		return Tree{}, err
	}
	t.Root = root
	t.Count = uint64(len(items))
	t.Height = BalancedHeight(t.Count, leafCapacity)
	return t, nil
}

type builder struct {
	s            nodestore.Store
	leafCapacity int
	allocated    []nodestore.NodeRef
}

func (b *builder) leaf(ctx context.Context, items []nodestore.Item) (nodestore.NodeRef, error) {
	ref, err := b.s.AllocateLeaf(ctx)
	if err != nil {
		return nodestore.NilRef, err
	}
	b.allocated = append(b.allocated, ref)
	if err := b.s.WriteLeafItems(ctx, ref, items); err != nil {
		return nodestore.NilRef, err
	}
	return ref, nil
}

func (b *builder) build(ctx context.Context, items []nodestore.Item) (nodestore.NodeRef, nodestore.Extent, error) {
	if err := ctx.Err(); err != nil {
		return nodestore.NilRef, nodestore.Extent{}, err
	}
	l := b.s.Layout()
	ext := nodestore.ExtentOf(l, items)
	if len(items) <= b.leafCapacity {
		ref, err := b.leaf(ctx, items)
		return ref, ext, err
	}

	split := partition(b.s, items, ext)
	mid := (len(items) + 1) / 2

	left, _, err := b.build(ctx, items[:mid])
	if err != nil {
		return nodestore.NilRef, nodestore.Extent{}, err
	}
	right, _, err := b.build(ctx, items[mid:])
	if err != nil {
		return nodestore.NilRef, nodestore.Extent{}, err
	}
	ref, err := b.s.AllocateInternal(ctx, split, left, right, ext)
	if err != nil {
		return nodestore.NilRef, nodestore.Extent{}, err
	}
	b.allocated = append(b.allocated, ref)
	return ref, ext, nil
}

// partition sorts items stably on their widest field and returns the split
// between the first ⌈n/2⌉ items and the rest.
func partition(s nodestore.Store, items []nodestore.Item, ext nodestore.Extent) nodestore.Split {
	l := s.Layout()
	dim := widestDim(ext)
	slices.SortStableFunc(items, func(a, b nodestore.Item) int {
		fa, fb := l.Field(a.Value, dim), l.Field(b.Value, dim)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	})
	mid := (len(items) + 1) / 2
	return nodestore.Split{Dim: dim, Value: l.Field(items[mid].Value, dim)}
}

// rollback frees what a failed build allocated when the store can.
func (b *builder) rollback(ctx context.Context) {
	if f, ok := b.s.(nodestore.Freer); ok && len(b.allocated) > 0 {
		_ = f.Free(context.WithoutCancel(ctx), b.allocated...)
	}
	b.allocated = nil
}
