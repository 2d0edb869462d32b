package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/blobstore"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore/blockstore"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/testutil"
)

// Runs against a real bucket when GEOBKD_S3_BUCKET is set. Credentials and
// region come from the default AWS chain.
func TestIntegrationBlockStore(t *testing.T) {
	bucket := os.Getenv("GEOBKD_S3_BUCKET")
	if bucket == "" {
		t.Skip("GEOBKD_S3_BUCKET not set")
	}
	ctx := context.Background()

	opts := []Option{WithPrefix(fmt.Sprintf("geobkd-it-%d/", time.Now().UnixNano()))}
	if ep := os.Getenv("GEOBKD_S3_ENDPOINT"); ep != "" {
		opts = append(opts, WithEndpoint(ep, true))
	}
	s, err := New(ctx, bucket, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		names, _ := s.List(context.Background(), "")
		for _, n := range names {
			_ = s.Delete(context.Background(), n)
		}
	})

	t.Run("conditional manifest", func(t *testing.T) {
		require.NoError(t, s.PutIfNotExists(ctx, "probe/1", []byte("a")))
		assert.ErrorIs(t, s.PutIfNotExists(ctx, "probe/1", []byte("b")), blobstore.ErrConflict)
		_, err := s.Open(ctx, "probe/missing")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("commit and reopen", func(t *testing.T) {
		c := geometry.NewPointCodec(2)
		rng := testutil.NewRNG(29)
		items := testutil.EncodeAll(c, rng.Points(400, 2, 10_000))

		nodes, err := blockstore.Open(ctx, s, c.Layout(), blockstore.WithCompression(blockstore.CompressionZstd))
		require.NoError(t, err)
		idx, err := geobkd.New(nodes, c)
		require.NoError(t, err)
		require.NoError(t, idx.Build(ctx, items))
		_, err = idx.Commit(ctx)
		require.NoError(t, err)
		require.NoError(t, idx.Close())

		nodes, err = blockstore.Open(ctx, s, c.Layout())
		require.NoError(t, err)
		idx, err = geobkd.Open(ctx, nodes, c)
		require.NoError(t, err)
		defer idx.Close()

		region := rng.Box(10_000)
		bm, err := query.CollectPayloads(idx.Search(ctx, region))
		require.NoError(t, err)
		assert.ElementsMatch(t, testutil.BruteForce(c, items, region), bm.ToArray())
	})
}
