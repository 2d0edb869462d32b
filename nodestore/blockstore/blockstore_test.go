package blockstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/blobstore"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/cache"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/storetest"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/testutil"
)

func TestConformance(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			storetest.Run(t, func(t *testing.T, l geometry.Layout) nodestore.Store {
				// A tiny threshold makes most operations hit flushed blocks.
				s, err := Open(context.Background(), blobstore.NewMemoryStore(), l,
					WithCompression(c), WithFlushThreshold(64), WithBlockSize(128))
				require.NoError(t, err)
				return s
			})
		})
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("bkd-node "), 512)
	random := make([]byte, 4096)
	rng := testutil.NewRNG(3)
	for i := range random {
		random[i] = byte(rng.Intn(256))
	}

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for name, raw := range map[string][]byte{"compressible": compressible, "random": random, "empty": {}} {
			t.Run(c.String()+"/"+name, func(t *testing.T) {
				data, err := compressBlock(raw, c)
				require.NoError(t, err)
				if c != CompressionNone && name == "compressible" {
					assert.Less(t, len(data), len(raw))
				}
				got, err := decompressBlock(data)
				require.NoError(t, err)
				assert.Equal(t, len(raw), len(got))
				assert.True(t, bytes.Equal(raw, got))
			})
		}
	}
}

func TestCorruptBlock(t *testing.T) {
	data, err := compressBlock(bytes.Repeat([]byte{1, 2, 3, 4}, 256), CompressionLZ4)
	require.NoError(t, err)

	flipped := bytes.Clone(data)
	flipped[len(flipped)-1] ^= 0xff
	_, err = decompressBlock(flipped)
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)

	_, err = decompressBlock(data[:blockHeaderSize-1])
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)

	_, err = decompressBlock(data[:len(data)-1])
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("snappy")
	assert.Error(t, err)
}

func TestReopenCommittedIndex(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewLocalStore(t.TempDir())

	c := geometry.NewTriangleCodec()
	rng := testutil.NewRNG(11)
	items := testutil.EncodeAll(c, rng.SmallTriangles(600, 8_000, 250))

	s, err := Open(ctx, blobs, c.Layout(), WithCompression(CompressionZstd), WithBlockSize(4096), WithCodec(codec.GoJSON{}))
	require.NoError(t, err)
	idx, err := geobkd.New(s, c, geobkd.WithLeafCapacity(16))
	require.NoError(t, err)
	require.NoError(t, idx.Build(ctx, items[:500]))
	for i := 500; i < len(items); i++ {
		require.NoError(t, idx.Insert(ctx, items[i]))
	}
	_, err = idx.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	// Reopen with a different manifest codec; the name records the old one.
	s, err = Open(ctx, blobs, c.Layout())
	require.NoError(t, err)
	idx, err = geobkd.Open(ctx, s, c)
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, uint64(len(items)), idx.Stats().Count)
	for i := 0; i < 20; i++ {
		region := rng.Box(8_000)
		bm, err := query.CollectPayloads(idx.Search(ctx, region))
		require.NoError(t, err)
		assert.ElementsMatch(t, testutil.BruteForce(c, items, region), bm.ToArray(), "region %v", region)
	}
	hits, misses := s.CacheStats()
	assert.Positive(t, hits+misses)
}

func TestCommitCollectsDeadBlocks(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	s, err := Open(ctx, blobs, storetest.Layout)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, a, storetest.Items(4)))
	require.NoError(t, s.Commit(ctx, a, nodestore.Meta{Count: 4}))

	first, err := blobs.List(ctx, "blocks/")
	require.NoError(t, err)
	require.Len(t, first, 1)

	b, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.WriteLeafItems(ctx, b, storetest.Items(2)))
	require.NoError(t, s.Free(ctx, a))
	require.NoError(t, s.Commit(ctx, b, nodestore.Meta{Count: 2}))

	second, err := blobs.List(ctx, "blocks/")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first, second)

	manifests, err := blobs.List(ctx, "manifests/")
	require.NoError(t, err)
	assert.Len(t, manifests, 1)

	_, err = s.Read(ctx, a)
	assert.ErrorIs(t, err, nodestore.ErrNodeNotFound)
	n, err := s.Read(ctx, b)
	require.NoError(t, err)
	assert.Len(t, n.Items, 2)
}

func TestConcurrentCommitConflict(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	s1, err := Open(ctx, blobs, storetest.Layout)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(ctx, blobs, storetest.Layout)
	require.NoError(t, err)
	defer s2.Close()

	r1, err := s1.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Commit(ctx, r1, nodestore.Meta{}))

	r2, err := s2.AllocateLeaf(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, s2.Commit(ctx, r2, nodestore.Meta{}), ErrConcurrentCommit)
}

func TestReopenLayoutMismatch(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	s, err := Open(ctx, blobs, storetest.Layout)
	require.NoError(t, err)
	leaf, err := s.AllocateLeaf(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, leaf, nodestore.Meta{}))
	require.NoError(t, s.Close())

	_, err = Open(ctx, blobs, geometry.PointLayout(3))
	assert.ErrorIs(t, err, nodestore.ErrLayoutMismatch)
}

func TestCachingBlobStore(t *testing.T) {
	ctx := context.Background()
	inner := blobstore.NewMemoryStore()
	s, err := Open(ctx, inner, storetest.Layout, WithCacheBytes(0))
	require.NoError(t, err)
	refs := make([]nodestore.NodeRef, 8)
	for i := range refs {
		refs[i], err = s.AllocateLeaf(ctx)
		require.NoError(t, err)
		require.NoError(t, s.WriteLeafItems(ctx, refs[i], storetest.Items(i+1)))
	}
	require.NoError(t, s.Commit(ctx, refs[0], nodestore.Meta{}))
	require.NoError(t, s.Close())

	// Reads work unchanged through a caching blob store wrapper.
	cached := blobstore.NewCachingStore(inner, cache.NewShardedLRUBlockCache(1<<20, nil), 256)
	s, err = Open(ctx, cached, storetest.Layout)
	require.NoError(t, err)
	defer s.Close()
	for i, ref := range refs {
		n, err := s.Read(ctx, ref)
		require.NoError(t, err)
		assert.Len(t, n.Items, i+1)
	}
}
