package minio

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/geobkd/blobstore"
)

var (
	_ blobstore.BlobStore         = (*Store)(nil)
	_ blobstore.ConditionalPutter = (*Store)(nil)
)

// Store keeps blobs as objects under a key prefix of one bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore returns a store rooted at prefix in bucket. A non-empty prefix
// is treated as a directory.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string { return s.prefix + name }

func errorCode(err error) string { return minio.ToErrorResponse(err).Code }

func isNotFound(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// Open stats the object and returns a handle that issues ranged GETs.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return &object{store: s, key: key, size: info.Size}, nil
}

func (s *Store) put(ctx context.Context, name string, data []byte, opts minio.PutObjectOptions) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), opts)
	return err
}

// Put uploads data in a single request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.put(ctx, name, data, minio.PutObjectOptions{})
}

// PutIfNotExists uploads data with If-None-Match: * and maps a failed
// precondition to blobstore.ErrConflict.
func (s *Store) PutIfNotExists(ctx context.Context, name string, data []byte) error {
	var opts minio.PutObjectOptions
	opts.SetMatchETagExcept("*")
	err := s.put(ctx, name, data, opts)
	if err != nil && errorCode(err) == "PreconditionFailed" {
		return blobstore.ErrConflict
	}
	return err
}

// Create buffers writes and uploads them on Close. Node blocks are bounded
// by the block size, so a streaming multipart upload is not worth it.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return &pending{ctx: ctx, store: s, name: name}, nil
}

// Delete removes the object. Missing objects are ignored.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// List returns the names under prefix relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if name := strings.TrimPrefix(obj.Key, s.prefix); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

type object struct {
	store *Store
	key   string
	size  int64
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

// get returns the clamped byte range [off, off+n) of the object.
func (o *object) get(ctx context.Context, off, n int64) (io.ReadCloser, int64, error) {
	if off < 0 || off >= o.size {
		return nil, 0, io.EOF
	}
	n = min(n, o.size-off)
	var opts minio.GetObjectOptions
	if err := opts.SetRange(off, off+n-1); err != nil {
		return nil, 0, err
	}
	r, err := o.store.client.GetObject(ctx, o.store.bucket, o.key, opts)
	if err != nil {
		return nil, 0, err
	}
	return r, n, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	r, n, err := o.get(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer r.Close()
	got, err := io.ReadFull(r, p[:n])
	if err == nil && got < len(p) {
		err = io.EOF
	}
	return got, err
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	r, _, err := o.get(ctx, off, length)
	return r, err
}

type pending struct {
	ctx    context.Context
	store  *Store
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *pending) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *pending) Sync() error { return nil }

func (w *pending) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.store.Put(w.ctx, w.name, w.buf.Bytes())
}
