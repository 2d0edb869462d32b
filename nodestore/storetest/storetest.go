// Package storetest is a conformance suite for nodestore.Store backends.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
)

// Factory creates a fresh, empty store for layout l. The suite closes stores
// that implement io.Closer.
type Factory func(t *testing.T, l geometry.Layout) nodestore.Store

// Layout is the layout the suite stores items with.
var Layout = geometry.PointLayout(2)

// Items returns n point items with payloads 0..n-1.
func Items(n int) []nodestore.Item {
	c := geometry.NewPointCodec(2)
	out := make([]nodestore.Item, n)
	for i := range out {
		v, err := c.Encode(geometry.NewPoint(int32(i), int32(-i)))
		if err != nil {
			panic(err)
		}
		out[i] = nodestore.Item{Payload: nodestore.PayloadID(i), Value: v}
	}
	return out
}

func open(t *testing.T, f Factory) nodestore.Store {
	t.Helper()
	s := f(t, Layout)
	t.Cleanup(func() {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	return s
}

// Run executes the suite.
func Run(t *testing.T, f Factory) {
	t.Run("LeafRoundTrip", func(t *testing.T) { testLeafRoundTrip(t, open(t, f)) })
	t.Run("InternalRoundTrip", func(t *testing.T) { testInternalRoundTrip(t, open(t, f)) })
	t.Run("ReplaceChild", func(t *testing.T) { testReplaceChild(t, open(t, f)) })
	t.Run("WriteExtent", func(t *testing.T) { testWriteExtent(t, open(t, f)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t, f)) })
	t.Run("KindMismatch", func(t *testing.T) { testKindMismatch(t, open(t, f)) })
	t.Run("ConcurrentReads", func(t *testing.T) { testConcurrentReads(t, open(t, f)) })
	t.Run("Free", func(t *testing.T) { testFree(t, open(t, f)) })
	t.Run("Commit", func(t *testing.T) { testCommit(t, open(t, f)) })
}

func testLeafRoundTrip(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	assert.Equal(t, Layout, s.Layout())

	ref, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NotEqual(t, nodestore.NilRef, ref)

	n, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.True(t, n.IsLeaf())
	assert.Empty(t, n.Items)

	items := Items(5)
	require.NoError(t, s.WriteLeafItems(ctx, ref, items))

	n, err = s.Read(ctx, ref)
	require.NoError(t, err)
	require.Len(t, n.Items, 5)
	for i, it := range n.Items {
		assert.Equal(t, items[i].Payload, it.Payload)
		assert.Equal(t, items[i].Value, it.Value)
	}

	// Overwrite with fewer items.
	require.NoError(t, s.WriteLeafItems(ctx, ref, items[:2]))
	n, err = s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, n.Items, 2)
}

func testInternalRoundTrip(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	l, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	r, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NotEqual(t, l, r)

	ext := nodestore.Extent{Min: []int64{-3, -7}, Max: []int64{9, 4}}
	ref, err := s.AllocateInternal(ctx, nodestore.Split{Dim: 1, Value: -2}, l, r, ext)
	require.NoError(t, err)

	n, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, nodestore.KindInternal, n.Kind)
	assert.Equal(t, nodestore.Split{Dim: 1, Value: -2}, n.Split)
	assert.Equal(t, l, n.Left)
	assert.Equal(t, r, n.Right)
	assert.True(t, ext.Equal(n.Extent))
}

func testReplaceChild(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	l, _ := s.AllocateLeaf(ctx)
	r, _ := s.AllocateLeaf(ctx)
	x, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	ref, err := s.AllocateInternal(ctx, nodestore.Split{Dim: 0, Value: 1}, l, r, nodestore.Extent{})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceChild(ctx, ref, nodestore.Right, x))
	n, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, l, n.Left)
	assert.Equal(t, x, n.Right)

	require.NoError(t, s.ReplaceChild(ctx, ref, nodestore.Left, r))
	n, err = s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, r, n.Left)
	assert.Equal(t, nodestore.Split{Dim: 0, Value: 1}, n.Split)
}

func testWriteExtent(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	l, _ := s.AllocateLeaf(ctx)
	r, _ := s.AllocateLeaf(ctx)
	ref, err := s.AllocateInternal(ctx, nodestore.Split{}, l, r, nodestore.Extent{Min: []int64{0, 0}, Max: []int64{1, 1}})
	require.NoError(t, err)

	want := nodestore.Extent{Min: []int64{-10, 0}, Max: []int64{1, 20}}
	require.NoError(t, s.WriteExtent(ctx, ref, want))
	n, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.True(t, want.Equal(n.Extent))
	assert.Equal(t, l, n.Left)
}

func testNotFound(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	_, err := s.Read(ctx, nodestore.NilRef)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)
	_, err = s.Read(ctx, 1<<40)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)
	assert.ErrorIs(t, s.WriteLeafItems(ctx, 1<<40, nil), nodestore.ErrNodeNotFound)
}

func testKindMismatch(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	in, err := s.AllocateInternal(ctx, nodestore.Split{}, leaf, leaf, nodestore.Extent{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.WriteLeafItems(ctx, in, Items(1)), nodestore.ErrKindMismatch)
	assert.ErrorIs(t, s.ReplaceChild(ctx, leaf, nodestore.Left, in), nodestore.ErrKindMismatch)
	assert.ErrorIs(t, s.WriteExtent(ctx, leaf, nodestore.Extent{}), nodestore.ErrKindMismatch)
}

func testConcurrentReads(t *testing.T, s nodestore.Store) {
	ctx := context.Background()
	refs := make([]nodestore.NodeRef, 16)
	for i := range refs {
		ref, err := s.AllocateLeaf(ctx)
		require.NoError(t, err)
		require.NoError(t, s.WriteLeafItems(ctx, ref, Items(i+1)))
		refs[i] = ref
	}
	if c, ok := s.(nodestore.Committer); ok {
		require.NoError(t, c.Commit(ctx, refs[0], nodestore.Meta{}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 50; k++ {
				for i, ref := range refs {
					n, err := s.Read(ctx, ref)
					if err != nil {
						errs <- err
						return
					}
					if len(n.Items) != i+1 {
						errs <- assert.AnError
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func testFree(t *testing.T, s nodestore.Store) {
	f, ok := s.(nodestore.Freer)
	if !ok {
		t.Skip("store does not free nodes")
	}
	ctx := context.Background()
	ref, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	keep, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)

	require.NoError(t, f.Free(ctx, ref))
	_, err = s.Read(ctx, ref)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)
	_, err = s.Read(ctx, keep)
	assert.NoError(t, err)
}

func testCommit(t *testing.T, s nodestore.Store) {
	c, ok := s.(nodestore.Committer)
	if !ok {
		t.Skip("store is not durable")
	}
	ctx := context.Background()
	_, _, err := c.LoadCommitted(ctx)
	assert.ErrorIs(t, err, nodestore.ErrNotCommitted)

	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, leaf, Items(3)))
	meta := nodestore.Meta{ID: "c1", Count: 3, LeafCapacity: 4, Height: 0}
	require.NoError(t, c.Commit(ctx, leaf, meta))

	root, got, err := c.LoadCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, leaf, root)
	assert.Equal(t, meta, got)

	n, err := s.Read(ctx, root)
	require.NoError(t, err)
	assert.Len(t, n.Items, 3)
}
