package nodestore

import (
	"context"

	"github.com/hupe1980/geobkd/geometry"
)

// Store is the capability set the tree algorithms need from a backend.
//
// Read never mutates and is safe for concurrent use with other reads.
// Mutating calls require exclusive access, which the index provides with its
// single writer. Refs remain valid until they are freed.
type Store interface {
	AllocateLeaf(ctx context.Context) (NodeRef, error)
	AllocateInternal(ctx context.Context, split Split, left, right NodeRef, ext Extent) (NodeRef, error)
	Read(ctx context.Context, ref NodeRef) (*Node, error)
	WriteLeafItems(ctx context.Context, ref NodeRef, items []Item) error
	ReplaceChild(ctx context.Context, parent NodeRef, side Side, child NodeRef) error
	WriteExtent(ctx context.Context, ref NodeRef, ext Extent) error
	Layout() geometry.Layout
}

// Freer is implemented by stores that reclaim nodes.
type Freer interface {
	Free(ctx context.Context, refs ...NodeRef) error
}

// Meta describes a committed tree.
type Meta struct {
	ID           string
	Count        uint64
	LeafCapacity int
	Height       int
}

// Committer is implemented by durable stores.
type Committer interface {
	// Commit makes every node reachable from root durable and records root
	// and meta as the tree to load on reopen.
	Commit(ctx context.Context, root NodeRef, meta Meta) error
	// LoadCommitted returns the last committed root or ErrNotCommitted.
	LoadCommitted(ctx context.Context) (NodeRef, Meta, error)
}

// Reader is a read handle scoped to one search.
type Reader interface {
	Read(ctx context.Context, ref NodeRef) (*Node, error)
	Close() error
}

// ReaderOpener is implemented by stores whose reads need a scoped handle.
type ReaderOpener interface {
	OpenReader(ctx context.Context) (Reader, error)
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Nodes       int64
	MemoryBytes int64
	DiskBytes   int64
}

// StatsProvider is implemented by stores that report usage.
type StatsProvider interface {
	Stats() Stats
}

// NewReader returns a scoped reader for s: a ReaderOpener handle when s
// supports one, otherwise s itself with a no-op Close.
func NewReader(ctx context.Context, s Store) (Reader, error) {
	if ro, ok := s.(ReaderOpener); ok {
		return ro.OpenReader(ctx)
	}
	return storeReader{s}, nil
}

type storeReader struct{ s Store }

func (r storeReader) Read(ctx context.Context, ref NodeRef) (*Node, error) {
	return r.s.Read(ctx, ref)
}

func (storeReader) Close() error { return nil }
