// Package blockstore implements a durable nodestore.Store on top of a
// blobstore.BlobStore.
//
// New and changed nodes are buffered in memory. Flush packs them into
// blocks, compresses the blocks in parallel and writes one immutable blob
// per block. Reads go through a sharded LRU cache of decompressed blocks.
// Commit flushes, writes a manifest listing the location of every live node
// and swaps the CURRENT blob to point at it.
//
// Layout in the blob store:
//
//	blocks/<id>.blk              compressed node blocks
//	manifests/<version>.<codec>  committed manifests
//	CURRENT                      name of the live manifest
package blockstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/geobkd/blobstore"
	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/cache"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/resource"
)

const (
	// DefaultBlockSize is the target uncompressed size of a block.
	DefaultBlockSize = 64 << 10
	// DefaultFlushThreshold is the buffered size that triggers a flush.
	DefaultFlushThreshold = 4 << 20
	// DefaultCacheBytes is the capacity of the block cache.
	DefaultCacheBytes = 64 << 20
)

// ErrConcurrentCommit is returned when another writer committed the same
// manifest version first.
var ErrConcurrentCommit = errors.New("blockstore: concurrent commit")

// Options configures a Store.
type Options struct {
	Compression    Compression
	BlockSize      int
	FlushThreshold int64
	// Concurrency bounds parallel block compression and uploads.
	Concurrency int
	CacheBytes  int64
	Codec       codec.Codec
	Resource    *resource.Controller
}

// Option mutates Options.
type Option func(*Options)

// WithCompression sets the block compression.
func WithCompression(c Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithBlockSize sets the target uncompressed block size.
func WithBlockSize(n int) Option {
	return func(o *Options) { o.BlockSize = n }
}

// WithFlushThreshold sets the buffered size that triggers a flush.
func WithFlushThreshold(n int64) Option {
	return func(o *Options) { o.FlushThreshold = n }
}

// WithConcurrency bounds parallel block writes.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

// WithCacheBytes sets the block cache capacity.
func WithCacheBytes(n int64) Option {
	return func(o *Options) { o.CacheBytes = n }
}

// WithCodec sets the manifest codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithResourceController throttles block uploads and charges cached blocks.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

// location is where a flushed node lives: body [Off, Off+Len) of a block.
type location struct {
	block uint64
	off   uint32
	len   uint32
}

type blockInfo struct {
	live int
	size int64
}

// Store is a block-structured node store.
type Store struct {
	blobs  blobstore.BlobStore
	layout geometry.Layout
	opts   Options
	cache  cache.BlockCache
	// cacheID separates this store's blocks in a shared cache.
	cacheID string

	flushMu sync.Mutex

	mu           sync.RWMutex
	pending      map[nodestore.NodeRef]*nodestore.Node
	pendingBytes int64
	locs         map[nodestore.NodeRef]location
	blocks       map[uint64]*blockInfo
	next         nodestore.NodeRef
	nextBlock    uint64
	version      uint64
	current      string
	committed    *manifest
	closed       bool
}

var (
	_ nodestore.Store         = (*Store)(nil)
	_ nodestore.Freer         = (*Store)(nil)
	_ nodestore.Committer     = (*Store)(nil)
	_ nodestore.StatsProvider = (*Store)(nil)
)

// Open loads the store committed in blobs, or starts an empty one when
// blobs has no CURRENT pointer. A committed store must have layout l.
func Open(ctx context.Context, blobs blobstore.BlobStore, l geometry.Layout, optFns ...Option) (*Store, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	opts := Options{
		Compression:    CompressionLZ4,
		BlockSize:      DefaultBlockSize,
		FlushThreshold: DefaultFlushThreshold,
		Concurrency:    4,
		CacheBytes:     DefaultCacheBytes,
		Codec:          codec.Default,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	s := &Store{
		blobs:   blobs,
		layout:  l,
		opts:    opts,
		cache:   cache.NewShardedLRUBlockCache(opts.CacheBytes, opts.Resource),
		cacheID: uuid.NewString(),
		pending: make(map[nodestore.NodeRef]*nodestore.Node),
		locs:    make(map[nodestore.NodeRef]location),
		blocks:  make(map[uint64]*blockInfo),
		next:    1,
	}
	if err := s.load(ctx); err != nil {
		_ = s.cache.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	cur, err := blobstore.ReadAll(ctx, s.blobs, blobstore.CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("blockstore: read %s: %w", blobstore.CurrentName, err)
	}
	name := string(cur)
	version, c, err := parseManifestName(name)
	if err != nil {
		return err
	}
	data, err := blobstore.ReadAll(ctx, s.blobs, name)
	if err != nil {
		return fmt.Errorf("blockstore: read manifest %s: %w", name, err)
	}
	var m manifest
	if err := c.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("blockstore: decode manifest %s: %w", name, err)
	}
	if m.FormatVersion != manifestVersion {
		return fmt.Errorf("blockstore: unsupported manifest version %d", m.FormatVersion)
	}
	if err := nodestore.CheckLayout(s.layout, m.Layout.layout()); err != nil {
		return err
	}

	for _, b := range m.Blocks {
		s.blocks[b.ID] = &blockInfo{size: b.Size}
	}
	for _, e := range m.Nodes {
		bi, ok := s.blocks[e.Block]
		if !ok {
			return fmt.Errorf("blockstore: manifest %s: node %d in unknown block %d", name, e.Ref, e.Block)
		}
		bi.live++
		s.locs[nodestore.NodeRef(e.Ref)] = location{block: e.Block, off: e.Off, len: e.Len}
	}
	s.next = nodestore.NodeRef(m.NextRef)
	s.nextBlock = m.NextBlock
	s.version = version
	s.current = name
	s.committed = &m
	return nil
}

// Layout returns the primitive layout.
func (s *Store) Layout() geometry.Layout { return s.layout }

func (s *Store) cacheKey(block uint64) cache.CacheKey {
	return cache.CacheKey{Kind: cache.CacheKindNodeBlock, Path: s.cacheID, Offset: block}
}

// block returns the decompressed bytes of a block.
func (s *Store) block(ctx context.Context, id uint64) ([]byte, error) {
	if raw, ok := s.cache.Get(ctx, s.cacheKey(id)); ok {
		return raw, nil
	}
	data, err := blobstore.ReadAll(ctx, s.blobs, blockName(id))
	if err != nil {
		return nil, fmt.Errorf("blockstore: read block %d: %w", id, err)
	}
	raw, err := decompressBlock(data)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, s.cacheKey(id), raw)
	return raw, nil
}

// Read returns the buffered node or decodes it from its block.
func (s *Store) Read(ctx context.Context, ref nodestore.NodeRef) (*nodestore.Node, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nodestore.ErrClosed
	}
	if n, ok := s.pending[ref]; ok {
		s.mu.RUnlock()
		return n, nil
	}
	loc, ok := s.locs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, nodestore.NotFound(ref)
	}

	raw, err := s.block(ctx, loc.block)
	if err != nil {
		return nil, err
	}
	end := uint64(loc.off) + uint64(loc.len)
	if loc.off < recordHeaderSize || end > uint64(len(raw)) {
		return nil, corrupt(fmt.Sprintf("node %d outside block %d", ref, loc.block), raw)
	}
	if got := nodestore.NodeRef(binary.LittleEndian.Uint64(raw[loc.off-recordHeaderSize:])); got != ref {
		return nil, corrupt(fmt.Sprintf("block %d holds node %d, want %d", loc.block, got, ref), raw)
	}
	return nodestore.UnmarshalNode(s.layout, raw[loc.off:end])
}

func (s *Store) stage(ctx context.Context, ref nodestore.NodeRef, n *nodestore.Node) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nodestore.ErrClosed
	}
	if old, ok := s.pending[ref]; ok {
		s.pendingBytes -= int64(nodestore.EncodedSize(s.layout, old))
	}
	s.pending[ref] = n
	s.pendingBytes += int64(nodestore.EncodedSize(s.layout, n))
	full := s.opts.FlushThreshold > 0 && s.pendingBytes >= s.opts.FlushThreshold
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *Store) allocate(ctx context.Context, n *nodestore.Node) (nodestore.NodeRef, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nodestore.NilRef, nodestore.ErrClosed
	}
	ref := s.next
	s.next++
	s.mu.Unlock()

	if err := s.stage(ctx, ref, n); err != nil {
		return nodestore.NilRef, err
	}
	return ref, nil
}

// AllocateLeaf buffers an empty leaf.
func (s *Store) AllocateLeaf(ctx context.Context) (nodestore.NodeRef, error) {
	return s.allocate(ctx, &nodestore.Node{Kind: nodestore.KindLeaf})
}

// AllocateInternal buffers an internal node.
func (s *Store) AllocateInternal(ctx context.Context, split nodestore.Split, left, right nodestore.NodeRef, ext nodestore.Extent) (nodestore.NodeRef, error) {
	return s.allocate(ctx, &nodestore.Node{
		Kind:   nodestore.KindInternal,
		Split:  split,
		Left:   left,
		Right:  right,
		Extent: ext.Clone(),
	})
}

func (s *Store) update(ctx context.Context, ref nodestore.NodeRef, wantLeaf bool, fn func(n *nodestore.Node)) error {
	n, err := s.Read(ctx, ref)
	if err != nil {
		return err
	}
	if n.IsLeaf() != wantLeaf {
		return nodestore.ErrKindMismatch
	}
	c := n.Clone()
	fn(c)
	return s.stage(ctx, ref, c)
}

// WriteLeafItems buffers a new version of the leaf.
func (s *Store) WriteLeafItems(ctx context.Context, ref nodestore.NodeRef, items []nodestore.Item) error {
	items = nodestore.CloneItems(items)
	return s.update(ctx, ref, true, func(n *nodestore.Node) { n.Items = items })
}

// ReplaceChild buffers a new version of parent with one child re-linked.
func (s *Store) ReplaceChild(ctx context.Context, parent nodestore.NodeRef, side nodestore.Side, child nodestore.NodeRef) error {
	return s.update(ctx, parent, false, func(n *nodestore.Node) {
		if side == nodestore.Left {
			n.Left = child
		} else {
			n.Right = child
		}
	})
}

// WriteExtent buffers a new version of ref with ext as its extent.
func (s *Store) WriteExtent(ctx context.Context, ref nodestore.NodeRef, ext nodestore.Extent) error {
	ext = ext.Clone()
	return s.update(ctx, ref, false, func(n *nodestore.Node) { n.Extent = ext })
}

// Free forgets refs. Blocks without live nodes are deleted after the next
// commit.
func (s *Store) Free(_ context.Context, refs ...nodestore.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.ErrClosed
	}
	for _, ref := range refs {
		n, inPending := s.pending[ref]
		loc, inBlock := s.locs[ref]
		if !inPending && !inBlock {
			return nodestore.NotFound(ref)
		}
		if inPending {
			s.pendingBytes -= int64(nodestore.EncodedSize(s.layout, n))
			delete(s.pending, ref)
		}
		if inBlock {
			s.blocks[loc.block].live--
			delete(s.locs, ref)
		}
	}
	return nil
}

// Block records: ref u64 | len u32 | node record.
const recordHeaderSize = 8 + 4

type packedBlock struct {
	id   uint64
	raw  []byte
	refs []nodestore.NodeRef
	locs []location
	size int64
}

// Flush writes every buffered node into new blocks.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nodestore.ErrClosed
	}
	refs := slices.Sorted(maps.Keys(s.pending))
	nodes := make([]*nodestore.Node, len(refs))
	for i, ref := range refs {
		nodes[i] = s.pending[ref]
	}
	nextBlock := s.nextBlock
	s.mu.RUnlock()

	if len(refs) == 0 {
		return nil
	}

	var blocks []*packedBlock
	cur := &packedBlock{id: nextBlock}
	for i, n := range nodes {
		if len(cur.raw) >= s.opts.BlockSize {
			blocks = append(blocks, cur)
			cur = &packedBlock{id: cur.id + 1}
		}
		body := nodestore.MarshalNode(s.layout, n)
		cur.raw = binary.LittleEndian.AppendUint64(cur.raw, uint64(refs[i]))
		cur.raw = binary.LittleEndian.AppendUint32(cur.raw, uint32(len(body)))
		cur.locs = append(cur.locs, location{block: cur.id, off: uint32(len(cur.raw)), len: uint32(len(body))})
		cur.refs = append(cur.refs, refs[i])
		cur.raw = append(cur.raw, body...)
	}
	blocks = append(blocks, cur)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, b := range blocks {
		g.Go(func() error {
			data, err := compressBlock(b.raw, s.opts.Compression)
			if err != nil {
				return err
			}
			if err := s.opts.Resource.AcquireIO(gctx, len(data)); err != nil {
				return err
			}
			if err := s.blobs.Put(gctx, blockName(b.id), data); err != nil {
				return fmt.Errorf("blockstore: write block %d: %w", b.id, err)
			}
			b.size = int64(len(data))
			s.cache.Set(gctx, s.cacheKey(b.id), b.raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		bi := &blockInfo{size: b.size}
		s.blocks[b.id] = bi
		for i, ref := range b.refs {
			n, ok := s.pending[ref]
			if !ok {
				// Freed while the blocks were written.
				continue
			}
			if old, ok := s.locs[ref]; ok {
				s.blocks[old.block].live--
			}
			s.locs[ref] = b.locs[i]
			bi.live++
			s.pendingBytes -= int64(nodestore.EncodedSize(s.layout, n))
			delete(s.pending, ref)
		}
	}
	s.nextBlock = nextBlock + uint64(len(blocks))
	return nil
}

// Commit flushes, writes a manifest for root and points CURRENT at it.
// Blocks that no live node uses any more are deleted afterwards.
func (s *Store) Commit(ctx context.Context, root nodestore.NodeRef, meta nodestore.Meta) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	m := &manifest{
		FormatVersion: manifestVersion,
		ID:            meta.ID,
		Root:          uint64(root),
		Count:         meta.Count,
		LeafCapacity:  meta.LeafCapacity,
		Height:        meta.Height,
		Layout: layoutInfo{
			NumFields:      s.layout.NumFields,
			NumIndexFields: s.layout.NumIndexFields,
			BytesPerField:  s.layout.BytesPerField,
		},
		Compression: s.opts.Compression,
		NextRef:     uint64(s.next),
		NextBlock:   s.nextBlock,
		Nodes:       make([]nodeEntry, 0, len(s.locs)),
	}
	for _, ref := range slices.Sorted(maps.Keys(s.locs)) {
		loc := s.locs[ref]
		m.Nodes = append(m.Nodes, nodeEntry{Ref: uint64(ref), Block: loc.block, Off: loc.off, Len: loc.len})
	}
	var dead []uint64
	for _, id := range slices.Sorted(maps.Keys(s.blocks)) {
		bi := s.blocks[id]
		if bi.live == 0 {
			dead = append(dead, id)
			continue
		}
		m.Blocks = append(m.Blocks, blockEntry{ID: id, Size: bi.size})
	}
	version := s.version + 1
	previous := s.current
	s.mu.RUnlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	data, err := s.opts.Codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("blockstore: encode manifest: %w", err)
	}
	name := manifestName(version, s.opts.Codec)
	if cp, ok := s.blobs.(blobstore.ConditionalPutter); ok {
		err = cp.PutIfNotExists(ctx, name, data)
		if errors.Is(err, blobstore.ErrConflict) {
			return fmt.Errorf("%w: manifest version %d exists", ErrConcurrentCommit, version)
		}
	} else {
		err = s.blobs.Put(ctx, name, data)
	}
	if err != nil {
		return fmt.Errorf("blockstore: write manifest: %w", err)
	}
	if err := s.blobs.Put(ctx, blobstore.CurrentName, []byte(name)); err != nil {
		return fmt.Errorf("blockstore: swap %s: %w", blobstore.CurrentName, err)
	}

	s.mu.Lock()
	s.version = version
	s.current = name
	s.committed = m
	for _, id := range dead {
		delete(s.blocks, id)
	}
	s.mu.Unlock()

	// Garbage is only ever left behind, never observed, so failures here
	// are ignored.
	for _, id := range dead {
		_ = s.blobs.Delete(ctx, blockName(id))
	}
	s.cache.Invalidate(func(k cache.CacheKey) bool {
		return k.Kind == cache.CacheKindNodeBlock && k.Path == s.cacheID && slices.Contains(dead, k.Offset)
	})
	if previous != "" && previous != name {
		_ = s.blobs.Delete(ctx, previous)
	}
	return nil
}

// LoadCommitted returns the root and meta of the live manifest.
func (s *Store) LoadCommitted(_ context.Context) (nodestore.NodeRef, nodestore.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nodestore.NilRef, nodestore.Meta{}, nodestore.ErrClosed
	}
	if s.committed == nil {
		return nodestore.NilRef, nodestore.Meta{}, nodestore.ErrNotCommitted
	}
	m := s.committed
	return nodestore.NodeRef(m.Root), nodestore.Meta{
		ID:           m.ID,
		Count:        m.Count,
		LeafCapacity: m.LeafCapacity,
		Height:       m.Height,
	}, nil
}

// Stats reports live nodes, buffered bytes and the size of live blocks.
func (s *Store) Stats() nodestore.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := int64(len(s.locs))
	for ref := range s.pending {
		if _, ok := s.locs[ref]; !ok {
			nodes++
		}
	}
	st := nodestore.Stats{Nodes: nodes, MemoryBytes: s.pendingBytes}
	if sz, ok := s.cache.(interface{ Size() int64 }); ok {
		st.MemoryBytes += sz.Size()
	}
	for _, bi := range s.blocks {
		st.DiskBytes += bi.size
	}
	return st
}

// CacheStats returns block cache hits and misses.
func (s *Store) CacheStats() (hits, misses int64) {
	return s.cache.Stats()
}

// Close drops buffered nodes and the block cache. Uncommitted changes are
// lost; the blob store is not closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.pendingBytes = 0
	return s.cache.Close()
}
