// Package memstore implements a volatile nodestore.Store backed by a slot
// table in memory.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/resource"
)

const backendName = "memstore"

// Options configures a Store.
type Options struct {
	// MaxNodes bounds the number of live nodes. 0 means unbounded.
	MaxNodes int
	// Resource charges node memory against a shared limit.
	Resource *resource.Controller
}

// Option mutates Options.
type Option func(*Options)

// WithMaxNodes bounds the number of live nodes.
func WithMaxNodes(n int) Option {
	return func(o *Options) { o.MaxNodes = n }
}

// WithResourceController charges node memory to rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

type slot struct {
	node *nodestore.Node
	size int64
}

// Store is an in-memory slot table. Slot i holds ref i+1. Nodes are
// replaced, never mutated, so a *Node returned by Read stays consistent.
type Store struct {
	mu     sync.RWMutex
	layout geometry.Layout
	opts   Options
	slots  []slot
	free   []nodestore.NodeRef
	live   int
	bytes  int64
	closed bool
}

var (
	_ nodestore.Store         = (*Store)(nil)
	_ nodestore.Freer         = (*Store)(nil)
	_ nodestore.StatsProvider = (*Store)(nil)
)

// New creates an empty store for primitives of layout l.
func New(l geometry.Layout, optFns ...Option) (*Store, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	s := &Store{layout: l}
	for _, fn := range optFns {
		fn(&s.opts)
	}
	return s, nil
}

// Layout returns the primitive layout.
func (s *Store) Layout() geometry.Layout { return s.layout }

func (s *Store) reserve(size int64) error {
	if err := s.opts.Resource.AcquireMemory(size); err != nil {
		if errors.Is(err, resource.ErrMemoryLimitExceeded) {
			return nodestore.NewCapacityExceededError(backendName, s.opts.Resource.MemoryLimit(), err)
		}
		return err
	}
	s.bytes += size
	return nil
}

func (s *Store) release(size int64) {
	s.opts.Resource.ReleaseMemory(size)
	s.bytes -= size
}

func (s *Store) allocate(n *nodestore.Node) (nodestore.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.NilRef, nodestore.ErrClosed
	}
	if s.opts.MaxNodes > 0 && s.live >= s.opts.MaxNodes {
		return nodestore.NilRef, nodestore.NewCapacityExceededError(backendName, int64(s.opts.MaxNodes), nil)
	}
	size := n.SizeBytes(s.layout)
	if err := s.reserve(size); err != nil {
		return nodestore.NilRef, err
	}
	s.live++

	if k := len(s.free); k > 0 {
		ref := s.free[k-1]
		s.free = s.free[:k-1]
		s.slots[ref-1] = slot{node: n, size: size}
		return ref, nil
	}
	s.slots = append(s.slots, slot{node: n, size: size})
	return nodestore.NodeRef(len(s.slots)), nil
}

// AllocateLeaf allocates an empty leaf.
func (s *Store) AllocateLeaf(_ context.Context) (nodestore.NodeRef, error) {
	return s.allocate(&nodestore.Node{Kind: nodestore.KindLeaf})
}

// AllocateInternal allocates an internal node.
func (s *Store) AllocateInternal(_ context.Context, split nodestore.Split, left, right nodestore.NodeRef, ext nodestore.Extent) (nodestore.NodeRef, error) {
	return s.allocate(&nodestore.Node{
		Kind:   nodestore.KindInternal,
		Split:  split,
		Left:   left,
		Right:  right,
		Extent: ext.Clone(),
	})
}

// lookup must be called with s.mu held.
func (s *Store) lookup(ref nodestore.NodeRef) (*slot, error) {
	if s.closed {
		return nil, nodestore.ErrClosed
	}
	if ref == nodestore.NilRef || int(ref) > len(s.slots) || s.slots[ref-1].node == nil {
		return nil, nodestore.NotFound(ref)
	}
	return &s.slots[ref-1], nil
}

// Read returns the node behind ref.
func (s *Store) Read(_ context.Context, ref nodestore.NodeRef) (*nodestore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}
	return sl.node, nil
}

// replace swaps the node of a slot and adjusts memory accounting.
func (s *Store) replace(sl *slot, n *nodestore.Node) error {
	size := n.SizeBytes(s.layout)
	if delta := size - sl.size; delta > 0 {
		if err := s.reserve(delta); err != nil {
			return err
		}
	} else {
		s.release(-delta)
	}
	sl.node, sl.size = n, size
	return nil
}

// WriteLeafItems replaces the items of a leaf.
func (s *Store) WriteLeafItems(_ context.Context, ref nodestore.NodeRef, items []nodestore.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.lookup(ref)
	if err != nil {
		return err
	}
	if !sl.node.IsLeaf() {
		return nodestore.ErrKindMismatch
	}
	return s.replace(sl, &nodestore.Node{Kind: nodestore.KindLeaf, Items: nodestore.CloneItems(items)})
}

// ReplaceChild re-links one child of an internal node.
func (s *Store) ReplaceChild(_ context.Context, parent nodestore.NodeRef, side nodestore.Side, child nodestore.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.lookup(parent)
	if err != nil {
		return err
	}
	if sl.node.IsLeaf() {
		return nodestore.ErrKindMismatch
	}
	n := *sl.node
	if side == nodestore.Left {
		n.Left = child
	} else {
		n.Right = child
	}
	sl.node = &n
	return nil
}

// WriteExtent replaces the cached extent of an internal node.
func (s *Store) WriteExtent(_ context.Context, ref nodestore.NodeRef, ext nodestore.Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.lookup(ref)
	if err != nil {
		return err
	}
	if sl.node.IsLeaf() {
		return nodestore.ErrKindMismatch
	}
	n := *sl.node
	n.Extent = ext.Clone()
	return s.replace(sl, &n)
}

// Free releases nodes. Freed refs may be reissued.
func (s *Store) Free(_ context.Context, refs ...nodestore.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		sl, err := s.lookup(ref)
		if err != nil {
			return err
		}
		s.release(sl.size)
		*sl = slot{}
		s.free = append(s.free, ref)
		s.live--
	}
	return nil
}

// Stats reports live nodes and their estimated memory.
func (s *Store) Stats() nodestore.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return nodestore.Stats{Nodes: int64(s.live), MemoryBytes: s.bytes}
}

// Close drops every node and returns its memory to the controller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.release(s.bytes)
	s.slots, s.free, s.live = nil, nil, 0
	s.closed = true
	return nil
}
