package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocalStore(dir)

	data := []byte("hello world, this is a node block")
	w, err := store.Create(ctx, "blocks/blk-000001")
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "blocks", "blk-000001"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, "blocks/blk-000001")
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "this", string(content))

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("manifest-1")))
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT", "blocks/blk-000001"}, names)

	names, err = store.List(ctx, "blocks/")
	require.NoError(t, err)
	require.Equal(t, []string{"blocks/blk-000001"}, names)

	require.NoError(t, store.Delete(ctx, "blocks/blk-000001"))
	require.NoError(t, store.Delete(ctx, "blocks/blk-000001"))
	_, err = store.Open(ctx, "blocks/blk-000001")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_ReadRangeBoundaries(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())
	require.NoError(t, store.Put(ctx, "b", []byte("0123456789")))

	blob, err := store.Open(ctx, "b")
	require.NoError(t, err)
	defer blob.Close()

	r, err := blob.ReadRange(ctx, 8, 5)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "89", string(content))

	_, err = blob.ReadRange(ctx, 20, 5)
	require.ErrorIs(t, err, io.EOF)

	m, ok := blob.(Mappable)
	require.True(t, ok)
	b, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(b))
}

func TestLocalStore_PutIfNotExists(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.PutIfNotExists(ctx, "manifests/a", []byte("1")))
	assert.ErrorIs(t, store.PutIfNotExists(ctx, "manifests/a", []byte("2")), ErrConflict)

	got, err := ReadAll(ctx, store, "manifests/a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	w, err := store.Create(ctx, "x")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = store.Open(ctx, "x")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, w.Close())

	got, err := ReadAll(ctx, store, "x")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, int64(3), store.Size())

	require.NoError(t, store.Put(ctx, "y/1", nil))
	names, err := store.List(ctx, "y/")
	require.NoError(t, err)
	assert.Equal(t, []string{"y/1"}, names)
}
