package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd/resource"
)

func blockKey(prefix string, i int) CacheKey {
	return CacheKey{Kind: CacheKindNodeBlock, Path: prefix, Offset: uint64(i)}
}

func TestLRUBlockCache_Eviction(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(30, nil)

	c.Set(ctx, blockKey("a", 1), make([]byte, 10))
	c.Set(ctx, blockKey("a", 2), make([]byte, 10))
	c.Set(ctx, blockKey("a", 3), make([]byte, 10))

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := c.Get(ctx, blockKey("a", 1))
	require.True(t, ok)

	c.Set(ctx, blockKey("a", 4), make([]byte, 10))
	_, ok = c.Get(ctx, blockKey("a", 2))
	assert.False(t, ok)
	_, ok = c.Get(ctx, blockKey("a", 1))
	assert.True(t, ok)
	assert.Equal(t, int64(30), c.Size())

	// Too large to cache at all.
	c.Set(ctx, blockKey("a", 5), make([]byte, 31))
	_, ok = c.Get(ctx, blockKey("a", 5))
	assert.False(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(2), misses)
}

func TestLRUBlockCache_Update(t *testing.T) {
	ctx := context.Background()
	c := NewLRUBlockCache(100, nil)
	k := blockKey("a", 1)

	c.Set(ctx, k, []byte("short"))
	c.Set(ctx, k, []byte("a bit longer"))
	got, ok := c.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, "a bit longer", string(got))
	assert.Equal(t, int64(12), c.Size())
}

func TestLRUBlockCache_ResourceController(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 25})
	c := NewLRUBlockCache(100, rc)

	c.Set(ctx, blockKey("a", 1), make([]byte, 10))
	c.Set(ctx, blockKey("a", 2), make([]byte, 10))
	assert.Equal(t, int64(20), rc.MemoryUsage())

	// Refused by the controller, so not cached.
	c.Set(ctx, blockKey("a", 3), make([]byte, 10))
	_, ok := c.Get(ctx, blockKey("a", 3))
	assert.False(t, ok)

	c.Invalidate(func(k CacheKey) bool { return k.Offset == 1 })
	assert.Equal(t, int64(10), rc.MemoryUsage())

	require.NoError(t, c.Close())
	assert.Zero(t, rc.MemoryUsage())
}

func TestLRUBlockCache_UpdateAccounting(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 25})
	c := NewLRUBlockCache(20, rc)
	k := blockKey("a", 1)

	c.Set(ctx, k, make([]byte, 5))
	c.Set(ctx, blockKey("a", 2), make([]byte, 5))
	assert.Equal(t, int64(10), rc.MemoryUsage())

	// Growing the block evicts the other one to stay within capacity.
	c.Set(ctx, k, make([]byte, 18))
	got, ok := c.Get(ctx, k)
	require.True(t, ok)
	assert.Len(t, got, 18)
	_, ok = c.Get(ctx, blockKey("a", 2))
	assert.False(t, ok)
	assert.Equal(t, int64(18), c.Size())
	assert.Equal(t, int64(18), rc.MemoryUsage())

	// Shrinking returns the difference.
	c.Set(ctx, k, make([]byte, 4))
	assert.Equal(t, int64(4), c.Size())
	assert.Equal(t, int64(4), rc.MemoryUsage())

	// An oversized replacement drops the stale block instead of keeping it.
	c.Set(ctx, k, make([]byte, 21))
	_, ok = c.Get(ctx, k)
	assert.False(t, ok)
	assert.Zero(t, c.Size())
	assert.Zero(t, rc.MemoryUsage())
}

func TestShardedLRUBlockCache_BasicOperations(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(1<<20, nil)

	k := CacheKey{Kind: CacheKindBlob, Path: "blk-000001", Offset: 0}
	c.Set(ctx, k, []byte("test data"))
	got, ok := c.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, "test data", string(got))

	_, ok = c.Get(ctx, CacheKey{Kind: CacheKindBlob, Path: "blk-000002", Offset: 0})
	assert.False(t, ok)

	// Same path and offset under another kind is a different key.
	_, ok = c.Get(ctx, CacheKey{Kind: CacheKindNodeBlock, Path: "blk-000001", Offset: 0})
	assert.False(t, ok)
}

func TestShardedLRUBlockCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(64<<20, nil)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prefix := fmt.Sprintf("g%d", g)
			for i := range 500 {
				k := blockKey(prefix, i)
				c.Set(ctx, k, []byte(prefix))
				got, ok := c.Get(ctx, k)
				if assert.True(t, ok) {
					assert.Equal(t, prefix, string(got))
				}
			}
		}()
	}
	wg.Wait()

	hits, misses := c.Stats()
	assert.Equal(t, int64(4000), hits)
	assert.Zero(t, misses)
	assert.Equal(t, int64(4000*2), c.Size())
}

func TestShardedLRUBlockCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(1<<20, nil)
	for i := range 100 {
		c.Set(ctx, blockKey("old", i), []byte{1})
		c.Set(ctx, blockKey("new", i), []byte{2})
	}

	c.Invalidate(func(k CacheKey) bool { return k.Path == "old" })
	for i := range 100 {
		_, ok := c.Get(ctx, blockKey("old", i))
		assert.False(t, ok)
		_, ok = c.Get(ctx, blockKey("new", i))
		assert.True(t, ok)
	}
	require.NoError(t, c.Close())
}

func BenchmarkShardedLRUBlockCache_Get(b *testing.B) {
	ctx := context.Background()
	c := NewShardedLRUBlockCache(64<<20, nil)
	for i := range 1024 {
		c.Set(ctx, blockKey("bench", i), make([]byte, 256))
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(ctx, blockKey("bench", i&1023))
			i++
		}
	})
}
