// Package filestore implements a durable nodestore.Store in a single
// append-only file.
//
// Every allocation or mutation appends a checksummed record. A table maps
// each live ref to its latest record, so mutations never overwrite bytes a
// committed tree still points at. Commit appends the table and a footer and
// syncs the file; Open replays the file up to the last valid footer and
// drops anything written after it.
//
// Committed bytes are read through a read-only memory mapping. Records
// appended since the last commit are read with pread until the next commit
// remaps the file.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/internal/fs"
	"github.com/hupe1980/geobkd/internal/mmap"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/resource"
)

// Options configures a Store.
type Options struct {
	// FileSystem opens the file. Defaults to fs.Default.
	FileSystem fs.FileSystem
	// Codec encodes commit footers. Defaults to codec.Default.
	Codec codec.Codec
	// Resource throttles appends through its IO limiter.
	Resource *resource.Controller
	// DisableMmap reads every record with pread.
	DisableMmap bool
}

// Option mutates Options.
type Option func(*Options)

// WithFileSystem sets the file system.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *Options) { o.FileSystem = fsys }
}

// WithCodec sets the footer codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithResourceController throttles writes with rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

// WithoutMmap disables the memory mapping.
func WithoutMmap() Option {
	return func(o *Options) { o.DisableMmap = true }
}

// Store is a file-backed node store.
type Store struct {
	mu     sync.RWMutex
	path   string
	layout geometry.Layout
	opts   Options

	f       fs.File
	size    int64
	mapping *mmap.Mapping

	table     map[nodestore.NodeRef]location
	next      nodestore.NodeRef
	committed *footer
	closed    bool
}

var (
	_ nodestore.Store         = (*Store)(nil)
	_ nodestore.Freer         = (*Store)(nil)
	_ nodestore.Committer     = (*Store)(nil)
	_ nodestore.StatsProvider = (*Store)(nil)
	_ io.Closer               = (*Store)(nil)
)

// Open opens or creates the store file at path. An existing file must have
// been written with layout l, otherwise nodestore.ErrLayoutMismatch is
// returned.
func Open(path string, l geometry.Layout, optFns ...Option) (*Store, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	opts := Options{FileSystem: fs.Default, Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := opts.FileSystem.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	s := &Store{
		path:   path,
		layout: l,
		opts:   opts,
		f:      f,
		table:  make(map[nodestore.NodeRef]location),
		next:   1,
	}
	if err := s.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	fi, err := s.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		if _, err := s.f.Write(encodeHeader(s.layout)); err != nil {
			return fmt.Errorf("filestore: write header: %w", err)
		}
		if err := s.f.Sync(); err != nil {
			return err
		}
		s.size = headerSize
		return nil
	}

	s.size = fi.Size()
	if err := s.remap(); err != nil {
		return err
	}
	hdr := make([]byte, headerSize)
	if err := s.readAt(hdr, 0); err != nil {
		return fmt.Errorf("filestore: read header: %w", err)
	}
	got, err := decodeHeader(hdr)
	if err != nil {
		return err
	}
	if err := nodestore.CheckLayout(s.layout, got); err != nil {
		return err
	}
	if s.mapping != nil {
		_ = s.mapping.Advise(mmap.AccessSequential)
	}
	if err := s.recover(); err != nil {
		return err
	}
	if s.mapping != nil {
		_ = s.mapping.Advise(mmap.AccessRandom)
	}
	return nil
}

// recover scans the records and restores the state of the last valid
// footer. A torn or corrupt record ends the scan.
func (s *Store) recover() error {
	end := int64(headerSize)
	var last *footer
	var lastEnd int64 = headerSize

	hdr := make([]byte, recordHeaderSize)
	for end+recordHeaderSize+recordTrailer <= s.size {
		if err := s.readAt(hdr, end); err != nil {
			break
		}
		h := parseRecordHeader(hdr)
		if end+h.size() > s.size {
			break
		}
		rec := make([]byte, h.size())
		if err := s.readAt(rec, end); err != nil {
			break
		}
		body, err := verifyRecord(rec)
		if err != nil {
			break
		}
		if h.typ == recordFooter {
			ft, err := s.decodeFooter(body)
			if err != nil {
				return err
			}
			last = ft
			lastEnd = end + h.size()
		}
		end += h.size()
	}

	if last != nil {
		tbl, err := s.readRecord(location{off: last.TableOffset}, recordTable)
		if err != nil {
			return fmt.Errorf("filestore: load table: %w", err)
		}
		table, err := decodeTable(tbl)
		if err != nil {
			return err
		}
		s.table = table
		s.next = nodestore.NodeRef(last.NextRef)
		s.committed = last
	}

	if lastEnd < s.size {
		if err := s.truncate(lastEnd); err != nil {
			return err
		}
		return s.remap()
	}
	_, err := s.f.Seek(s.size, io.SeekStart)
	return err
}

func (s *Store) truncate(size int64) error {
	if s.mapping != nil {
		_ = s.mapping.Close()
		s.mapping = nil
	}
	if err := s.opts.FileSystem.Truncate(s.path, size); err != nil {
		return fmt.Errorf("filestore: truncate: %w", err)
	}
	s.size = size
	_, err := s.f.Seek(size, io.SeekStart)
	return err
}

// remap maps the first s.size bytes. Must be called with s.mu held for
// writing or before the store is shared.
func (s *Store) remap() error {
	if s.opts.DisableMmap {
		return nil
	}
	osf, ok := s.f.(*os.File)
	if !ok {
		return nil
	}
	m, err := mmap.Map(osf, s.size)
	if err != nil {
		return fmt.Errorf("filestore: mmap: %w", err)
	}
	if s.mapping != nil {
		_ = s.mapping.Close()
	}
	s.mapping = m
	_ = m.Advise(mmap.AccessRandom)
	return nil
}

func (s *Store) readAt(p []byte, off int64) error {
	if s.mapping != nil && off+int64(len(p)) <= int64(s.mapping.Size()) {
		_, err := s.mapping.ReadAt(p, off)
		return err
	}
	_, err := s.f.ReadAt(p, off)
	return err
}

// record returns the raw bytes of the record at loc. The slice may alias
// the mapping and is only valid while s.mu is held.
func (s *Store) record(loc location) ([]byte, error) {
	if loc.len == 0 {
		hdr := make([]byte, recordHeaderSize)
		if err := s.readAt(hdr, loc.off); err != nil {
			return nil, err
		}
		loc.len = uint32(parseRecordHeader(hdr).size())
	}
	if s.mapping != nil {
		if b, err := s.mapping.Slice(loc.off, int(loc.len)); err == nil {
			return b, nil
		}
	}
	b := make([]byte, loc.len)
	if err := s.readAt(b, loc.off); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) readRecord(loc location, want recordType) ([]byte, error) {
	rec, err := s.record(loc)
	if err != nil {
		return nil, err
	}
	body, err := verifyRecord(rec)
	if err != nil {
		return nil, err
	}
	if typ := recordType(rec[0]); typ != want {
		return nil, geometry.NewMalformedEncodingError(fmt.Sprintf("filestore: record type %d, want %d", typ, want), len(rec), nil)
	}
	return body, nil
}

func (s *Store) append(ctx context.Context, typ recordType, ref nodestore.NodeRef, body []byte) (location, error) {
	rec := appendRecord(make([]byte, 0, recordHeaderSize+len(body)+recordTrailer), typ, ref, body)
	w := resource.NewRateLimitedWriter(ctx, s.f, s.opts.Resource)
	if _, err := w.Write(rec); err != nil {
		// Drop the partial record so the next append starts clean.
		if terr := s.truncate(s.size); terr != nil {
			return location{}, errors.Join(err, terr)
		}
		return location{}, fmt.Errorf("filestore: append: %w", err)
	}
	loc := location{off: s.size, len: uint32(len(rec))}
	s.size += int64(len(rec))
	return loc, nil
}

func (s *Store) writeNode(ctx context.Context, ref nodestore.NodeRef, n *nodestore.Node) error {
	loc, err := s.append(ctx, recordNode, ref, nodestore.MarshalNode(s.layout, n))
	if err != nil {
		return err
	}
	s.table[ref] = loc
	return nil
}

// node must be called with s.mu held.
func (s *Store) node(ref nodestore.NodeRef) (*nodestore.Node, error) {
	if s.closed {
		return nil, nodestore.ErrClosed
	}
	loc, ok := s.table[ref]
	if !ok {
		return nil, nodestore.NotFound(ref)
	}
	body, err := s.readRecord(loc, recordNode)
	if err != nil {
		return nil, err
	}
	return nodestore.UnmarshalNode(s.layout, body)
}

func (s *Store) allocate(ctx context.Context, n *nodestore.Node) (nodestore.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.NilRef, nodestore.ErrClosed
	}
	ref := s.next
	if err := s.writeNode(ctx, ref, n); err != nil {
		return nodestore.NilRef, err
	}
	s.next++
	return ref, nil
}

// Layout returns the primitive layout.
func (s *Store) Layout() geometry.Layout { return s.layout }

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// AllocateLeaf appends an empty leaf.
func (s *Store) AllocateLeaf(ctx context.Context) (nodestore.NodeRef, error) {
	return s.allocate(ctx, &nodestore.Node{Kind: nodestore.KindLeaf})
}

// AllocateInternal appends an internal node.
func (s *Store) AllocateInternal(ctx context.Context, split nodestore.Split, left, right nodestore.NodeRef, ext nodestore.Extent) (nodestore.NodeRef, error) {
	return s.allocate(ctx, &nodestore.Node{
		Kind:   nodestore.KindInternal,
		Split:  split,
		Left:   left,
		Right:  right,
		Extent: ext,
	})
}

// Read decodes the latest record of ref.
func (s *Store) Read(_ context.Context, ref nodestore.NodeRef) (*nodestore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node(ref)
}

func (s *Store) update(ctx context.Context, ref nodestore.NodeRef, wantLeaf bool, fn func(n *nodestore.Node)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(ref)
	if err != nil {
		return err
	}
	if n.IsLeaf() != wantLeaf {
		return nodestore.ErrKindMismatch
	}
	fn(n)
	return s.writeNode(ctx, ref, n)
}

// WriteLeafItems appends a new record for the leaf.
func (s *Store) WriteLeafItems(ctx context.Context, ref nodestore.NodeRef, items []nodestore.Item) error {
	return s.update(ctx, ref, true, func(n *nodestore.Node) { n.Items = items })
}

// ReplaceChild appends a new record for parent with one child re-linked.
func (s *Store) ReplaceChild(ctx context.Context, parent nodestore.NodeRef, side nodestore.Side, child nodestore.NodeRef) error {
	return s.update(ctx, parent, false, func(n *nodestore.Node) {
		if side == nodestore.Left {
			n.Left = child
		} else {
			n.Right = child
		}
	})
}

// WriteExtent appends a new record for ref with ext as its extent.
func (s *Store) WriteExtent(ctx context.Context, ref nodestore.NodeRef, ext nodestore.Extent) error {
	return s.update(ctx, ref, false, func(n *nodestore.Node) { n.Extent = ext })
}

// Free drops refs from the table. Their records stay in the file until a
// committed tree no longer needs them.
func (s *Store) Free(_ context.Context, refs ...nodestore.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.ErrClosed
	}
	for _, ref := range refs {
		if _, ok := s.table[ref]; !ok {
			return nodestore.NotFound(ref)
		}
		delete(s.table, ref)
	}
	return nil
}

func (s *Store) encodeFooter(ft *footer) ([]byte, error) {
	payload, err := s.opts.Codec.Marshal(ft)
	if err != nil {
		return nil, err
	}
	name := s.opts.Codec.Name()
	b := make([]byte, 0, 1+len(name)+len(payload))
	b = append(b, byte(len(name)))
	b = append(b, name...)
	return append(b, payload...), nil
}

func (s *Store) decodeFooter(body []byte) (*footer, error) {
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		return nil, geometry.NewMalformedEncodingError("filestore: truncated footer", len(body), nil)
	}
	n := 1 + int(body[0])
	name := string(body[1:n])
	c, ok := codec.ByName(name)
	if !ok {
		return nil, fmt.Errorf("filestore: footer written with unknown codec %q", name)
	}
	var ft footer
	if err := c.Unmarshal(body[n:], &ft); err != nil {
		return nil, fmt.Errorf("filestore: decode footer: %w", err)
	}
	return &ft, nil
}

// Commit appends the ref table and a footer naming root, then syncs the file.
func (s *Store) Commit(ctx context.Context, root nodestore.NodeRef, meta nodestore.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.ErrClosed
	}
	tbl, err := s.append(ctx, recordTable, nodestore.NilRef, encodeTable(s.table))
	if err != nil {
		return err
	}
	ft := &footer{
		ID:           meta.ID,
		Root:         uint64(root),
		Count:        meta.Count,
		LeafCapacity: meta.LeafCapacity,
		Height:       meta.Height,
		TableOffset:  tbl.off,
		NextRef:      uint64(s.next),
	}
	body, err := s.encodeFooter(ft)
	if err != nil {
		return err
	}
	if _, err := s.append(ctx, recordFooter, root, body); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("filestore: sync: %w", err)
	}
	s.committed = ft
	return s.remap()
}

// LoadCommitted returns the root and meta of the last commit.
func (s *Store) LoadCommitted(_ context.Context) (nodestore.NodeRef, nodestore.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nodestore.NilRef, nodestore.Meta{}, nodestore.ErrClosed
	}
	if s.committed == nil {
		return nodestore.NilRef, nodestore.Meta{}, nodestore.ErrNotCommitted
	}
	ft := s.committed
	return nodestore.NodeRef(ft.Root), nodestore.Meta{
		ID:           ft.ID,
		Count:        ft.Count,
		LeafCapacity: ft.LeafCapacity,
		Height:       ft.Height,
	}, nil
}

// Stats reports live nodes and the file size.
func (s *Store) Stats() nodestore.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := nodestore.Stats{Nodes: int64(len(s.table)), DiskBytes: s.size}
	if s.mapping != nil {
		st.MemoryBytes = int64(s.mapping.Size())
	}
	return st
}

// Close unmaps and closes the file. Uncommitted records are discarded on
// the next Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.mapping != nil {
		errs = append(errs, s.mapping.Close())
		s.mapping = nil
	}
	errs = append(errs, s.f.Close())
	return errors.Join(errs...)
}
