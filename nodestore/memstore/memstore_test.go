package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/storetest"
	"github.com/hupe1980/geobkd/resource"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
		s, err := New(l)
		require.NoError(t, err)
		return s
	})
}

func TestMaxNodes(t *testing.T) {
	ctx := context.Background()
	s, err := New(storetest.Layout, WithMaxNodes(2))
	require.NoError(t, err)

	a, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	_, err = s.AllocateLeaf(ctx)
	require.NoError(t, err)

	_, err = s.AllocateLeaf(ctx)
	var ce *nodestore.CapacityExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Limit)
	assert.ErrorIs(t, err, nodestore.ErrCapacityExceeded)

	// Freeing makes room and the slot is reused.
	require.NoError(t, s.Free(ctx, a))
	c, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestMemoryLimit(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1024})
	s, err := New(storetest.Layout, WithResourceController(rc))
	require.NoError(t, err)

	ref, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	assert.Positive(t, rc.MemoryUsage())

	err = s.WriteLeafItems(ctx, ref, storetest.Items(100))
	assert.ErrorIs(t, err, nodestore.ErrCapacityExceeded)
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	// The failed write left the leaf unchanged.
	n, err := s.Read(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, n.Items)

	require.NoError(t, s.Close())
	assert.Zero(t, rc.MemoryUsage())
	_, err = s.Read(ctx, ref)
	assert.ErrorIs(t, err, nodestore.ErrClosed)
}

func TestReadSnapshotIsStable(t *testing.T) {
	ctx := context.Background()
	s, err := New(storetest.Layout)
	require.NoError(t, err)

	ref, _ := s.AllocateLeaf(ctx)
	require.NoError(t, s.WriteLeafItems(ctx, ref, storetest.Items(2)))
	before, err := s.Read(ctx, ref)
	require.NoError(t, err)

	require.NoError(t, s.WriteLeafItems(ctx, ref, storetest.Items(3)))
	assert.Len(t, before.Items, 2)
	assert.Equal(t, nodestore.Stats{Nodes: 1, MemoryBytes: s.Stats().MemoryBytes}, s.Stats())
}
