package geobkd

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/query"
	"github.com/hupe1980/geobkd/tree"
)

// Index is a concurrent spatial index over a node store.
//
// Readers work on pinned snapshots and never block. Writers are serialized
// and build each new tree with copy-on-write, then publish it with a single
// atomic swap. Nodes a publish supersedes are freed once the snapshot they
// belonged to and every older snapshot have been released.
type Index struct {
	store   nodestore.Store
	codec   geometry.Codec
	opts    options
	logger  *Logger
	metrics MetricsCollector

	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	epochMu sync.Mutex
	oldest  *Snapshot
	epoch   uint64

	closed     atomic.Bool
	rebuilding atomic.Bool
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	bgMu       sync.Mutex
	bg         sync.WaitGroup
}

// New creates an empty index over store. The store layout must match the
// codec layout.
func New(store nodestore.Store, codec geometry.Codec, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)
	if o.leafCapacity < 1 {
		return nil, &ErrInvalidLeafCapacity{Capacity: o.leafCapacity, cause: tree.ErrInvalidLeafCapacity}
	}
	if err := nodestore.CheckLayout(codec.Layout(), store.Layout()); err != nil {
		return nil, translateError(err)
	}

	idx := &Index{
		store:   store,
		codec:   codec,
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}
	idx.bgCtx, idx.bgCancel = context.WithCancel(context.Background())

	s := newSnapshot(idx, tree.Empty(codec.Layout(), o.leafCapacity), 0)
	idx.current.Store(s)
	idx.oldest = s
	return idx, nil
}

// Open creates an index and loads the last committed tree when store is a
// nodestore.Committer. A store without a commit yields an empty index.
func Open(ctx context.Context, store nodestore.Store, codec geometry.Codec, optFns ...Option) (*Index, error) {
	idx, err := New(store, codec, optFns...)
	if err != nil {
		return nil, err
	}
	c, ok := store.(nodestore.Committer)
	if !ok {
		return idx, nil
	}
	root, meta, err := c.LoadCommitted(ctx)
	if errors.Is(err, nodestore.ErrNotCommitted) {
		return idx, nil
	}
	if err != nil {
		return nil, translateError(err)
	}

	t := tree.Tree{
		Root:         root,
		Layout:       codec.Layout(),
		LeafCapacity: meta.LeafCapacity,
		Count:        meta.Count,
		Height:       meta.Height,
	}
	if t.LeafCapacity < 1 {
		t.LeafCapacity = idx.opts.leafCapacity
	}
	s := newSnapshot(idx, t, 0)
	idx.current.Store(s)
	idx.oldest = s
	idx.logger.InfoContext(ctx, "opened committed tree", "id", meta.ID, "count", meta.Count, "root", root)
	return idx, nil
}

// Acquire pins the current snapshot. The caller must Release it.
func (idx *Index) Acquire() *Snapshot {
	for {
		s := idx.current.Load()
		if s.TryIncRef() {
			return s
		}
	}
}

// Codec returns the codec of the index.
func (idx *Index) Codec() geometry.Codec { return idx.codec }

// Store returns the node store of the index.
func (idx *Index) Store() nodestore.Store { return idx.store }

// publish installs t as the current tree. retired are the nodes of the
// previous tree that t no longer references. Caller holds writeMu.
func (idx *Index) publish(t tree.Tree, retired []nodestore.NodeRef) *Snapshot {
	idx.epochMu.Lock()
	idx.epoch++
	s := newSnapshot(idx, t, idx.epoch)
	prev := idx.current.Load()
	prev.retired = append(prev.retired, retired...)
	prev.next = s
	idx.current.Store(s)
	idx.epochMu.Unlock()

	prev.DecRef()
	return s
}

// reclaim frees the retired nodes of every released snapshot that has no
// older snapshot still pinned.
func (idx *Index) reclaim() {
	idx.epochMu.Lock()
	var refs []nodestore.NodeRef
	cur := idx.current.Load()
	for idx.oldest != cur && idx.oldest.refs.Load() <= 0 {
		refs = append(refs, idx.oldest.retired...)
		idx.oldest.retired = nil
		idx.oldest = idx.oldest.next
	}
	idx.epochMu.Unlock()

	if len(refs) == 0 {
		return
	}
	f, ok := idx.store.(nodestore.Freer)
	if !ok {
		return
	}
	ctx := context.Background()
	err := f.Free(ctx, refs...)
	idx.logger.LogReclaim(ctx, len(refs), err)
	if err == nil {
		idx.metrics.RecordReclaim(len(refs))
	}
}

// Build replaces the contents of the index with a bulk-built tree of items.
func (idx *Index) Build(ctx context.Context, items []nodestore.Item) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	// Superseded refs are gathered before anything is allocated so a read
	// failure cannot strand a freshly built tree.
	cur := idx.current.Load()
	old, err := tree.Refs(ctx, idx.store, cur.tree)
	var t tree.Tree
	if err == nil {
		t, err = tree.BulkBuild(ctx, idx.store, items, idx.opts.leafCapacity)
	}
	if err == nil {
		idx.publish(t, old)
	}
	err = translateError(err)
	idx.metrics.RecordBuild(len(items), time.Since(start), err)
	idx.logger.LogBuild(ctx, len(items), t.Height, err)
	return err
}

// Insert adds one encoded item.
func (idx *Index) Insert(ctx context.Context, item nodestore.Item) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := idx.insert(ctx, item)
	idx.metrics.RecordInsert(time.Since(start), err)
	idx.logger.LogInsert(ctx, item.Payload, err)
	if err == nil && idx.opts.autoRebuild {
		idx.maybeScheduleRebuild()
	}
	return err
}

func (idx *Index) insert(ctx context.Context, item nodestore.Item) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current.Load()
	t, retired, err := tree.InsertCOW(ctx, idx.store, cur.tree, item)
	if err != nil {
		return translateError(err)
	}
	idx.publish(t, retired)
	return nil
}

// InsertShape encodes s with the index codec and inserts it.
func (idx *Index) InsertShape(ctx context.Context, id nodestore.PayloadID, s geometry.Shape) error {
	v, err := idx.codec.EncodeShape(s)
	if err != nil {
		err = translateError(err)
		idx.logger.LogInsert(ctx, id, err)
		return err
	}
	return idx.Insert(ctx, nodestore.Item{Payload: id, Value: v})
}

// InsertTriangle inserts a triangle.
func (idx *Index) InsertTriangle(ctx context.Context, id nodestore.PayloadID, t geometry.Triangle) error {
	return idx.InsertShape(ctx, id, t)
}

// InsertPoint inserts a point.
func (idx *Index) InsertPoint(ctx context.Context, id nodestore.PayloadID, p geometry.Point) error {
	return idx.InsertShape(ctx, id, p)
}

// Search streams the matches of region against the snapshot current when
// iteration starts. The snapshot is pinned for the duration of the iteration.
func (idx *Index) Search(ctx context.Context, region geometry.BoundingBox, opts ...query.Option) iter.Seq2[query.Match, error] {
	return func(yield func(query.Match, error) bool) {
		if idx.closed.Load() {
			yield(query.Match{}, ErrClosed)
			return
		}
		start := time.Now()
		s := idx.Acquire()
		defer s.Release()

		matches := 0
		var err error
		for m, e := range s.Search(ctx, region, opts...) {
			if e != nil {
				err = translateError(e)
				yield(query.Match{}, err)
				break
			}
			matches++
			if !yield(m, nil) {
				break
			}
		}
		idx.metrics.RecordSearch(matches, time.Since(start), err)
		idx.logger.LogSearch(ctx, matches, err)
	}
}

// NeedsRebuild reports whether the current tree is more than the rebuild
// slack taller than a bulk build of the same items.
func (idx *Index) NeedsRebuild() bool {
	t := idx.current.Load().tree
	return t.Height > tree.BalancedHeight(t.Count, t.LeafCapacity)+idx.opts.rebuildSlack
}

// Rebuild bulk-builds the current items into a fresh balanced tree and
// publishes it. Snapshots acquired before keep answering from the old tree.
func (idx *Index) Rebuild(ctx context.Context) error {
	if idx.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current.Load()
	before := cur.tree.Height
	items, err := tree.Extract(ctx, idx.store, cur.tree)
	var old []nodestore.NodeRef
	if err == nil {
		old, err = tree.Refs(ctx, idx.store, cur.tree)
	}
	var t tree.Tree
	if err == nil {
		t, err = tree.BulkBuild(ctx, idx.store, items, cur.tree.LeafCapacity)
	}
	if err == nil {
		idx.publish(t, old)
	}
	err = translateError(err)
	idx.metrics.RecordRebuild(len(items), time.Since(start), err)
	idx.logger.LogRebuild(ctx, len(items), before, t.Height, err)
	return err
}

func (idx *Index) maybeScheduleRebuild() {
	if !idx.NeedsRebuild() || !idx.rebuilding.CompareAndSwap(false, true) {
		return
	}
	// Close flips closed before taking bgMu, so once it holds the lock no
	// new worker can be added behind its Wait.
	idx.bgMu.Lock()
	if idx.closed.Load() {
		idx.bgMu.Unlock()
		idx.rebuilding.Store(false)
		return
	}
	idx.bg.Add(1)
	idx.bgMu.Unlock()
	go func() {
		defer idx.bg.Done()
		defer idx.rebuilding.Store(false)

		rc := idx.opts.resource
		if err := rc.AcquireBackground(idx.bgCtx); err != nil {
			return
		}
		defer rc.ReleaseBackground()
		if idx.closed.Load() || !idx.NeedsRebuild() {
			return
		}
		_ = idx.Rebuild(idx.bgCtx)
	}()
}

// Commit makes the current tree durable when the store supports it. It
// returns the commit id, or "" for volatile stores.
func (idx *Index) Commit(ctx context.Context) (string, error) {
	if idx.closed.Load() {
		return "", ErrClosed
	}
	c, ok := idx.store.(nodestore.Committer)
	if !ok {
		return "", nil
	}
	start := time.Now()
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	t := idx.current.Load().tree
	id := uuid.NewString()
	err := translateError(c.Commit(ctx, t.Root, nodestore.Meta{
		ID:           id,
		Count:        t.Count,
		LeafCapacity: t.LeafCapacity,
		Height:       t.Height,
	}))
	idx.metrics.RecordCommit(time.Since(start), err)
	idx.logger.LogCommit(ctx, id, t.Root, err)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Stats describes the index.
type Stats struct {
	Count          uint64
	Height         int
	BalancedHeight int
	LeafCapacity   int
	Epoch          uint64
	// PendingSnapshots counts superseded snapshots whose nodes are not yet
	// reclaimed.
	PendingSnapshots int
	PendingNodes     int
	Store            nodestore.Stats
}

// Stats returns a point-in-time view of the index.
func (idx *Index) Stats() Stats {
	t := idx.current.Load().tree
	st := Stats{
		Count:          t.Count,
		Height:         t.Height,
		BalancedHeight: tree.BalancedHeight(t.Count, t.LeafCapacity),
		LeafCapacity:   t.LeafCapacity,
	}
	idx.epochMu.Lock()
	st.Epoch = idx.epoch
	cur := idx.current.Load()
	for s := idx.oldest; s != nil && s != cur; s = s.next {
		st.PendingSnapshots++
		st.PendingNodes += len(s.retired)
	}
	idx.epochMu.Unlock()
	if sp, ok := idx.store.(nodestore.StatsProvider); ok {
		st.Store = sp.Stats()
	}
	return st
}

// Close stops background work and closes the store when it is an io.Closer.
// Snapshots still pinned must not be used afterwards.
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	idx.bgMu.Lock()
	idx.bgCancel()
	idx.bgMu.Unlock()
	idx.bg.Wait()
	if c, ok := idx.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
