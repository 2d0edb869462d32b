package sqlstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/storetest"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/testutil"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "nodes.db")
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
		s, err := Open(context.Background(), tempPath(t), l)
		require.NoError(t, err)
		return s
	})
}

func TestConformanceInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
		s, err := Open(context.Background(), ":memory:", l, WithCodec(codec.JSON{}))
		require.NoError(t, err)
		return s
	})
}

func TestReopenCommittedIndex(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)
	c := geometry.NewTriangleCodec()
	rng := testutil.NewRNG(5)
	items := testutil.EncodeAll(c, rng.SmallTriangles(300, 5_000, 200))

	s, err := Open(ctx, path, c.Layout(), WithCodec(codec.GoJSON{}))
	require.NoError(t, err)
	idx, err := geobkd.New(s, c, geobkd.WithLeafCapacity(8))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, items[:200]))
	for i := 200; i < len(items); i++ {
		require.NoError(t, idx.Insert(ctx, items[i]))
	}
	_, err = idx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	s, err = Open(ctx, path, c.Layout())
	require.NoError(t, err)
	idx, err = geobkd.Open(ctx, s, c)
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, uint64(len(items)), idx.Stats().Count)
	for i := 0; i < 20; i++ {
		region := rng.Box(5_000)
		bm, err := query.CollectPayloads(idx.Search(ctx, region))
		require.NoError(t, err)
		assert.ElementsMatch(t, testutil.BruteForce(c, items, region), bm.ToArray(), "region %v", region)
	}
}

func TestUncommittedRowsDiscarded(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	s, err := Open(ctx, path, storetest.Layout)
	require.NoError(t, err)
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, leaf, storetest.Items(2)))
	require.NoError(t, s.Commit(ctx, leaf, nodestore.Meta{ID: "a", Count: 2}))

	extra, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, storetest.Layout)
	require.NoError(t, err)
	defer s.Close()

	root, meta, err := s.LoadCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, leaf, root)
	assert.Equal(t, "a", meta.ID)
	assert.Equal(t, int64(1), s.Stats().Nodes)

	_, err = s.Read(ctx, extra)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)

	// Refs are never reused.
	next, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, extra)
}

func TestFreeAfterCommitIsDeferred(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	s, err := Open(ctx, path, storetest.Layout)
	require.NoError(t, err)
	old, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, old, storetest.Items(3)))
	require.NoError(t, s.Commit(ctx, old, nodestore.Meta{Count: 3}))

	// Replace the committed root but crash before the next commit.
	repl, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Free(ctx, old))
	_, err = s.Read(ctx, old)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)
	assert.ErrorIs(t, s.Free(ctx, old), nodestore.ErrNodeNotFound)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, storetest.Layout)
	require.NoError(t, err)
	n, err := s.Read(ctx, old)
	require.NoError(t, err)
	assert.Len(t, n.Items, 3)
	_, err = s.Read(ctx, repl)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)

	// This time the new root is committed and the old row goes away.
	repl, err = s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Free(ctx, old))
	require.NoError(t, s.Commit(ctx, repl, nodestore.Meta{}))

	var rows int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&rows))
	assert.Equal(t, 1, rows)
	assert.Equal(t, int64(1), s.Stats().Nodes)
	assert.Positive(t, s.Stats().DiskBytes)
	require.NoError(t, s.Close())
}

func TestLayoutMismatch(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)
	s, err := Open(ctx, path, storetest.Layout)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path, geometry.PointLayout(3))
	assert.ErrorIs(t, err, nodestore.ErrLayoutMismatch)
}

func TestNewSharesDB(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open(DriverName, "file:"+tempPath(t))
	require.NoError(t, err)
	defer db.Close()

	s, err := New(ctx, db, storetest.Layout)
	require.NoError(t, err)
	ref, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Close leaves a caller-owned database open.
	require.NoError(t, db.PingContext(ctx))
	_, err = s.Read(ctx, ref)
	assert.ErrorIs(t, err, nodestore.ErrClosed)
}
