// Package sqlstore implements a durable nodestore.Store on SQLite.
//
// Each node is one row keyed by its ref. Mutations update rows in place, so
// a node freed after a commit stays in the table until the next Commit: the
// committed tree may still reference it. Commit deletes those rows and
// records the root in the same transaction. Rows allocated after the last
// commit are dropped when the store is reopened.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hupe1980/geobkd/codec"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/resource"
)

// DriverName is the database/sql driver Open uses.
const DriverName = "sqlite"

// Options configures a Store.
type Options struct {
	// Codec encodes the commit record. Defaults to codec.Default.
	Codec codec.Codec
	// Resource throttles node writes through its IO limiter.
	Resource *resource.Controller
}

// Option mutates Options.
type Option func(*Options)

// WithCodec sets the commit record codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithResourceController throttles writes with rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Resource = rc }
}

type commitRecord struct {
	ID           string `json:"id" cbor:"1,keyasint"`
	Root         uint64 `json:"root" cbor:"2,keyasint"`
	Count        uint64 `json:"count" cbor:"3,keyasint"`
	LeafCapacity int    `json:"leaf_capacity" cbor:"4,keyasint"`
	Height       int    `json:"height" cbor:"5,keyasint"`
	// MaxRef is the largest ref that existed at commit time.
	MaxRef uint64 `json:"max_ref" cbor:"6,keyasint"`
}

// Store is a SQLite-backed node store.
type Store struct {
	db     *sql.DB
	ownsDB bool
	layout geometry.Layout
	opts   Options

	mu        sync.RWMutex
	committed *commitRecord
	deferred  []nodestore.NodeRef
	gone      map[nodestore.NodeRef]struct{}
	nodes     int64
	closed    bool
}

var (
	_ nodestore.Store         = (*Store)(nil)
	_ nodestore.Freer         = (*Store)(nil)
	_ nodestore.Committer     = (*Store)(nil)
	_ nodestore.StatsProvider = (*Store)(nil)
)

// Open opens or creates the database file at path. ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string, l geometry.Layout, optFns ...Option) (*Store, error) {
	dsn := path
	memory := path == ":memory:"
	if !memory && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, l, optFns...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New uses an already opened database. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, l geometry.Layout, optFns ...Option) (*Store, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	opts := Options{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &Store{
		db:     db,
		layout: l,
		opts:   opts,
		gone:   make(map[nodestore.NodeRef]struct{}),
	}
	if err := EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("sqlstore: ensure schema: %w", err)
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	raw, ok, err := getMeta(ctx, s.db, metaLayout)
	if err != nil {
		return fmt.Errorf("sqlstore: read layout: %w", err)
	}
	if !ok {
		return putMeta(ctx, s.db, metaLayout, nodestore.AppendLayout(nil, s.layout))
	}
	got, err := nodestore.ParseLayout(raw)
	if err != nil {
		return err
	}
	if err := nodestore.CheckLayout(s.layout, got); err != nil {
		return err
	}

	rec, err := s.loadCommit(ctx)
	if err != nil {
		return err
	}
	var maxRef uint64
	if rec != nil {
		maxRef = rec.MaxRef
	}
	// Rows past the last commit belong to a tree nobody can load.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id > ?`, int64(maxRef)); err != nil {
		return fmt.Errorf("sqlstore: drop uncommitted nodes: %w", err)
	}
	s.committed = rec
	return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&s.nodes)
}

func (s *Store) loadCommit(ctx context.Context) (*commitRecord, error) {
	body, ok, err := getMeta(ctx, s.db, metaCommit)
	if err != nil || !ok {
		return nil, err
	}
	name, _, err := getMeta(ctx, s.db, metaCodec)
	if err != nil {
		return nil, err
	}
	c, ok := codec.ByName(string(name))
	if !ok {
		return nil, fmt.Errorf("sqlstore: commit written with unknown codec %q", name)
	}
	var rec commitRecord
	if err := c.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("sqlstore: decode commit: %w", err)
	}
	return &rec, nil
}

// Layout returns the primitive layout.
func (s *Store) Layout() geometry.Layout { return s.layout }

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) insert(ctx context.Context, n *nodestore.Node) (nodestore.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.NilRef, nodestore.ErrClosed
	}
	body := nodestore.MarshalNode(s.layout, n)
	if err := s.opts.Resource.AcquireIO(ctx, len(body)); err != nil {
		return nodestore.NilRef, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO nodes(kind, body) VALUES(?, ?)`, int(n.Kind), body)
	if err != nil {
		return nodestore.NilRef, fmt.Errorf("sqlstore: insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nodestore.NilRef, err
	}
	s.nodes++
	return nodestore.NodeRef(id), nil
}

// AllocateLeaf inserts an empty leaf row.
func (s *Store) AllocateLeaf(ctx context.Context) (nodestore.NodeRef, error) {
	return s.insert(ctx, &nodestore.Node{Kind: nodestore.KindLeaf})
}

// AllocateInternal inserts an internal node row.
func (s *Store) AllocateInternal(ctx context.Context, split nodestore.Split, left, right nodestore.NodeRef, ext nodestore.Extent) (nodestore.NodeRef, error) {
	return s.insert(ctx, &nodestore.Node{
		Kind:   nodestore.KindInternal,
		Split:  split,
		Left:   left,
		Right:  right,
		Extent: ext,
	})
}

// node must be called with s.mu held.
func (s *Store) node(ctx context.Context, ref nodestore.NodeRef) (*nodestore.Node, error) {
	if s.closed {
		return nil, nodestore.ErrClosed
	}
	if _, ok := s.gone[ref]; ok {
		return nil, nodestore.NotFound(ref)
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM nodes WHERE id = ?`, int64(ref)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nodestore.NotFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read node %d: %w", ref, err)
	}
	return nodestore.UnmarshalNode(s.layout, body)
}

// Read selects and decodes the row of ref.
func (s *Store) Read(ctx context.Context, ref nodestore.NodeRef) (*nodestore.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.node(ctx, ref)
}

func (s *Store) update(ctx context.Context, ref nodestore.NodeRef, wantLeaf bool, fn func(n *nodestore.Node)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.node(ctx, ref)
	if err != nil {
		return err
	}
	if n.IsLeaf() != wantLeaf {
		return nodestore.ErrKindMismatch
	}
	fn(n)
	body := nodestore.MarshalNode(s.layout, n)
	if err := s.opts.Resource.AcquireIO(ctx, len(body)); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE nodes SET body = ? WHERE id = ?`, body, int64(ref)); err != nil {
		return fmt.Errorf("sqlstore: update node %d: %w", ref, err)
	}
	return nil
}

// WriteLeafItems rewrites the leaf row.
func (s *Store) WriteLeafItems(ctx context.Context, ref nodestore.NodeRef, items []nodestore.Item) error {
	return s.update(ctx, ref, true, func(n *nodestore.Node) { n.Items = items })
}

// ReplaceChild rewrites parent with one child re-linked.
func (s *Store) ReplaceChild(ctx context.Context, parent nodestore.NodeRef, side nodestore.Side, child nodestore.NodeRef) error {
	return s.update(ctx, parent, false, func(n *nodestore.Node) {
		if side == nodestore.Left {
			n.Left = child
		} else {
			n.Right = child
		}
	})
}

// WriteExtent rewrites ref with ext as its extent.
func (s *Store) WriteExtent(ctx context.Context, ref nodestore.NodeRef, ext nodestore.Extent) error {
	return s.update(ctx, ref, false, func(n *nodestore.Node) { n.Extent = ext })
}

// Free deletes rows allocated since the last commit immediately. Older rows
// are hidden and deleted by the next Commit.
func (s *Store) Free(ctx context.Context, refs ...nodestore.NodeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.ErrClosed
	}
	var maxRef uint64
	if s.committed != nil {
		maxRef = s.committed.MaxRef
	}
	for _, ref := range refs {
		if _, ok := s.gone[ref]; ok {
			return nodestore.NotFound(ref)
		}
		if uint64(ref) <= maxRef {
			var one int
			err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, int64(ref)).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return nodestore.NotFound(ref)
			}
			if err != nil {
				return err
			}
			s.gone[ref] = struct{}{}
			s.deferred = append(s.deferred, ref)
			s.nodes--
			continue
		}
		res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, int64(ref))
		if err != nil {
			return fmt.Errorf("sqlstore: delete node %d: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nodestore.NotFound(ref)
		}
		s.nodes--
	}
	return nil
}

// Commit deletes deferred frees and records root in one transaction.
func (s *Store) Commit(ctx context.Context, root nodestore.NodeRef, meta nodestore.Meta) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nodestore.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if len(s.deferred) > 0 {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM nodes WHERE id = ?`)
		if err != nil {
			return err
		}
		for _, ref := range s.deferred {
			if _, err := stmt.ExecContext(ctx, int64(ref)); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("sqlstore: delete node %d: %w", ref, err)
			}
		}
		if err := stmt.Close(); err != nil {
			return err
		}
	}

	var maxRef int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM nodes`).Scan(&maxRef); err != nil {
		return err
	}
	rec := &commitRecord{
		ID:           meta.ID,
		Root:         uint64(root),
		Count:        meta.Count,
		LeafCapacity: meta.LeafCapacity,
		Height:       meta.Height,
		MaxRef:       uint64(maxRef),
	}
	body, err := s.opts.Codec.Marshal(rec)
	if err != nil {
		return err
	}
	if err := putMeta(ctx, tx, metaCodec, []byte(s.opts.Codec.Name())); err != nil {
		return err
	}
	if err := putMeta(ctx, tx, metaCommit, body); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}

	for _, ref := range s.deferred {
		delete(s.gone, ref)
	}
	s.deferred = s.deferred[:0]
	s.committed = rec
	return nil
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
	rec := s.committed
	return nodestore.NodeRef(rec.Root), nodestore.Meta{
		ID:           rec.ID,
		Count:        rec.Count,
		LeafCapacity: rec.LeafCapacity,
		Height:       rec.Height,
	}, nil
}

// Stats reports live nodes and the database size.
func (s *Store) Stats() nodestore.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := nodestore.Stats{Nodes: s.nodes}
	if s.closed {
		return st
	}
	var pages, pageSize int64
	ctx := context.Background()
	if s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages) == nil &&
		s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize) == nil {
		st.DiskBytes = pages * pageSize
	}
	return st
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
