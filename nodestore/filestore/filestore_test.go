package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/fs"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/storetest"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/testutil"
)

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "nodes.bkd")
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
		s, err := Open(tempPath(t), l)
		require.NoError(t, err)
		return s
	})
}

func TestConformanceWithoutMmap(t *testing.T) {
	storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
		s, err := Open(tempPath(t), l, WithoutMmap(), WithCodec(codec.JSON{}))
		require.NoError(t, err)
		return s
	})
}

func TestReopenCommittedIndex(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)
	c := geometry.NewTriangleCodec()
	rng := testutil.NewRNG(7)
	items := testutil.EncodeAll(c, rng.SmallTriangles(400, 5_000, 200))

	s, err := Open(path, c.Layout())
	require.NoError(t, err)
	idx, err := geobkd.New(s, c, geobkd.WithLeafCapacity(8))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, items))
	id, err := idx.Commit(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, idx.Close())

	s, err = Open(path, c.Layout())
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

func TestUncommittedRecordsDiscarded(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	s, err := Open(path, storetest.Layout)
	require.NoError(t, err)
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, leaf, storetest.Items(2)))
	require.NoError(t, s.Commit(ctx, leaf, nodestore.Meta{ID: "a", Count: 2}))
	committedSize := s.Stats().DiskBytes

	// Overwrite the committed leaf and allocate past the commit.
	require.NoError(t, s.WriteLeafItems(ctx, leaf, storetest.Items(5)))
	extra, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, storetest.Layout)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, committedSize, s.Stats().DiskBytes)
	root, meta, err := s.LoadCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, leaf, root)
	assert.Equal(t, "a", meta.ID)

	n, err := s.Read(ctx, leaf)
	require.NoError(t, err)
	assert.Len(t, n.Items, 2)
	_, err = s.Read(ctx, extra)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)

	// Refs keep increasing across reopen.
	next, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	assert.Equal(t, extra, next)
}

func TestTornTail(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	s, err := Open(path, storetest.Layout)
	require.NoError(t, err)
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, leaf, nodestore.Meta{ID: "torn"}))
	size := s.Stats().DiskBytes
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(recordNode), 9, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(path, storetest.Layout)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, size, s.Stats().DiskBytes)
	root, _, err := s.LoadCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, leaf, root)
}

func TestLayoutMismatch(t *testing.T) {
	path := tempPath(t)
	s, err := Open(path, storetest.Layout)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, geometry.PointLayout(3))
	assert.ErrorIs(t, err, nodestore.ErrLayoutMismatch)
}

func TestCorruptHeader(t *testing.T) {
	path := tempPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a node file at all"), 0o644))

	_, err := Open(path, storetest.Layout)
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)
}

func TestWriteFault(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("nodes.bkd", fs.Fault{FailAfterBytes: headerSize + 64})

	s, err := Open(tempPath(t), storetest.Layout, WithFileSystem(ffs))
	require.NoError(t, err)
	defer s.Close()

	var refs []nodestore.NodeRef
	for {
		ref, err := s.AllocateLeaf(ctx)
		if err != nil {
			break
		}
		refs = append(refs, ref)
	}
	require.NotEmpty(t, refs)

	// The failed append left no partial record behind.
	size := s.Stats().DiskBytes
	assert.Equal(t, int64(headerSize)+int64(len(refs))*(recordHeaderSize+recordTrailer+5), size)
	for _, ref := range refs {
		_, err := s.Read(ctx, ref)
		assert.NoError(t, err)
	}
}

func TestCommitSyncFault(t *testing.T) {
	ctx := context.Background()
	ffs := fs.NewFaultyFS(nil)
	path := tempPath(t)

	s, err := Open(path, storetest.Layout, WithFileSystem(ffs))
	require.NoError(t, err)
	defer s.Close()

	ffs.AddRule("nodes.bkd", fs.Fault{FailOnSync: true})
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	// The handle was opened before the rule, so commit still syncs.
	require.NoError(t, s.Commit(ctx, leaf, nodestore.Meta{}))

	s2, err := Open(path, storetest.Layout, WithFileSystem(ffs))
	require.NoError(t, err)
	defer s2.Close()
	assert.Error(t, s2.Commit(ctx, leaf, nodestore.Meta{}))
	assert.Equal(t, 1, ffs.Hits())
}

func TestFooterRoundTrip(t *testing.T) {
	s := &Store{opts: Options{Codec: codec.GoJSON{}}}
	want := &footer{ID: "x", Root: 3, Count: 9, LeafCapacity: 4, Height: 2, TableOffset: 100, NextRef: 12}
	b, err := s.encodeFooter(want)
	require.NoError(t, err)

	got, err := s.decodeFooter(b)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.decodeFooter([]byte{200, 'a'})
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)
}
