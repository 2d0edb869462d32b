package geobkd

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/tree"
)

// Snapshot is an immutable published tree. A pinned snapshot keeps every
// node reachable from its root alive until Release.
type Snapshot struct {
	idx   *Index
	tree  tree.Tree
	epoch uint64
	refs  atomic.Int64

	// Guarded by idx.epochMu.
	retired []nodestore.NodeRef
	next    *Snapshot
}

func newSnapshot(idx *Index, t tree.Tree, epoch uint64) *Snapshot {
	s := &Snapshot{idx: idx, tree: t, epoch: epoch}
	s.refs.Store(1)
	return s
}

// Tree returns the tree of the snapshot.
func (s *Snapshot) Tree() tree.Tree { return s.tree }

// Epoch returns the publish sequence number of the snapshot.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Count returns the number of items in the snapshot.
func (s *Snapshot) Count() uint64 { return s.tree.Count }

// IncRef increments the reference count.
func (s *Snapshot) IncRef() {
	s.refs.Add(1)
}

// TryIncRef increments the reference count unless it already dropped to 0.
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// DecRef decrements the reference count and reclaims retired nodes when the
// last reference goes away.
func (s *Snapshot) DecRef() {
	if s.refs.Add(-1) == 0 {
		s.idx.reclaim()
	}
}

// Release unpins the snapshot. Alias of DecRef.
func (s *Snapshot) Release() { s.DecRef() }

// Search runs a query against this snapshot. The snapshot must stay pinned
// until iteration ends.
func (s *Snapshot) Search(ctx context.Context, region geometry.BoundingBox, opts ...query.Option) iter.Seq2[query.Match, error] {
	return query.Search(ctx, s.idx.store, s.idx.codec, s.tree, region, opts...)
}
