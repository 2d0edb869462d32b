// Package query answers box queries against a tree.
//
// Search walks the tree depth first and skips every subtree whose cached
// extent, mapped to space by the codec, cannot intersect the region. Leaf
// items are decoded and tested exactly. Results stream lazily:
//
//	for m, err := range query.Search(ctx, store, codec, t, region) {
//	    if err != nil {
//	        return err
//	    }
//	    use(m.Payload)
//	}
package query

import (
	"context"
	"iter"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/tree"
)

// Match is one item whose shape intersects the query region.
type Match struct {
	Payload nodestore.PayloadID
	Value   geometry.EncodedPrimitive
	Shape   geometry.Shape
}

// Stats counts the work done by one search.
type Stats struct {
	NodesVisited int
	LeavesRead   int
	ItemsTested  int
	Matches      int
	Pruned       int
}

// Relation selects how a shape must relate to the region to match.
type Relation uint8

const (
	// Intersects matches shapes sharing at least one point with the region.
	Intersects Relation = iota
	// Within matches shapes lying entirely inside the region.
	Within
)

type options struct {
	relation  Relation
	pruning   bool
	limit     int
	proximity bool
	filter    func(nodestore.PayloadID) bool
	allow     *roaring.Bitmap
	stats     *Stats
}

// Option configures a search.
type Option func(*options)

// WithoutPruning visits every node. Results are the same as with pruning;
// it exists to verify pruning and to measure its effect.
func WithoutPruning() Option {
	return func(o *options) { o.pruning = false }
}

// WithRelation sets the match relation. The default is Intersects.
func WithRelation(r Relation) Option {
	return func(o *options) { o.relation = r }
}

// WithLimit stops after n matches. n <= 0 means no limit.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithProximityOrder visits the child whose extent is nearest to the region
// center first, so that a limited search returns nearby matches.
func WithProximityOrder() Option {
	return func(o *options) { o.proximity = true }
}

// WithFilter drops matches whose payload fn rejects.
func WithFilter(fn func(nodestore.PayloadID) bool) Option {
	return func(o *options) { o.filter = fn }
}

// WithAllowList restricts matches to payloads contained in bm.
func WithAllowList(bm *roaring.Bitmap) Option {
	return func(o *options) { o.allow = bm }
}

// WithStats records work counters into st.
func WithStats(st *Stats) Option {
	return func(o *options) { o.stats = st }
}

// Search returns the items of t whose shapes intersect region. An empty
// region or tree yields an empty sequence. Each call starts a fresh
// traversal; a read handle opened for it is released when iteration ends,
// including when the consumer stops early.
func Search(ctx context.Context, s nodestore.Store, codec geometry.Codec, t tree.Tree, region geometry.BoundingBox, optFns ...Option) iter.Seq2[Match, error] {
	o := options{pruning: true}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.stats == nil {
		o.stats = &Stats{}
	}

	return func(yield func(Match, error) bool) {
		if region.IsEmpty() || t.IsEmpty() {
			return
		}
		r, err := nodestore.NewReader(ctx, s)
		if err != nil {
			yield(Match{}, err)
			return
		}
		defer r.Close()

		sr := &searcher{ctx: ctx, r: r, codec: codec, layout: s.Layout(), region: region, opts: o}
		sr.run(t.Root, yield)
	}
}

type searcher struct {
	ctx    context.Context
	r      nodestore.Reader
	codec  geometry.Codec
	layout geometry.Layout
	region geometry.BoundingBox
	opts   options
	found  int
}

func (sr *searcher) read(ref nodestore.NodeRef) (*nodestore.Node, error) {
	n, err := sr.r.Read(sr.ctx, ref)
	if err != nil {
		return nil, err
	}
	sr.opts.stats.NodesVisited++
	return n, nil
}

// candidate is a child scheduled for a visit together with its box.
type candidate struct {
	node *nodestore.Node
	box  geometry.BoundingBox
}

func (sr *searcher) box(n *nodestore.Node) geometry.BoundingBox {
	ext := n.Bounds(sr.layout)
	if ext.IsEmpty() {
		return geometry.BoundingBox{}
	}
	return sr.codec.Extent(ext.Min, ext.Max)
}

func (sr *searcher) keep(c candidate) bool {
	if !sr.opts.pruning {
		return true
	}
	if c.box.Intersects(sr.region) {
		return true
	}
	sr.opts.stats.Pruned++
	return false
}

func (sr *searcher) run(root nodestore.NodeRef, yield func(Match, error) bool) {
	n, err := sr.read(root)
	if err != nil {
		yield(Match{}, err)
		return
	}
	if !sr.keep(candidate{node: n, box: sr.box(n)}) {
		return
	}

	stack := []*nodestore.Node{n}
	for len(stack) > 0 {
		if err := sr.ctx.Err(); err != nil {
			yield(Match{}, err)
			return
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.IsLeaf() {
			if !sr.scanLeaf(n, yield) {
				return
			}
			continue
		}

		children := make([]candidate, 0, 2)
		for _, ref := range [2]nodestore.NodeRef{n.Left, n.Right} {
			child, err := sr.read(ref)
			if err != nil {
				yield(Match{}, err)
				return
			}
			c := candidate{node: child, box: sr.box(child)}
			if sr.keep(c) {
				children = append(children, c)
			}
		}
		if sr.opts.proximity && len(children) == 2 &&
			distance(children[1].box, sr.region) < distance(children[0].box, sr.region) {
			children[0], children[1] = children[1], children[0]
		}
		// Push in reverse so the first candidate is visited first.
		for _, c := range slices.Backward(children) {
			stack = append(stack, c.node)
		}
	}
}

// scanLeaf tests every item of a leaf. It returns false when iteration must
// stop.
func (sr *searcher) scanLeaf(n *nodestore.Node, yield func(Match, error) bool) bool {
	sr.opts.stats.LeavesRead++
	for _, it := range n.Items {
		if sr.opts.filter != nil && !sr.opts.filter(it.Payload) {
			continue
		}
		if sr.opts.allow != nil && !sr.opts.allow.Contains(uint32(it.Payload)) {
			continue
		}
		sr.opts.stats.ItemsTested++
		shape, err := sr.codec.Decode(it.Value)
		if err != nil {
			yield(Match{}, err)
			return false
		}
		if !sr.matches(shape) {
			continue
		}
		sr.found++
		sr.opts.stats.Matches++
		if !yield(Match{Payload: it.Payload, Value: it.Value, Shape: shape}, nil) {
			return false
		}
		if sr.opts.limit > 0 && sr.found >= sr.opts.limit {
			return false
		}
	}
	return true
}

func (sr *searcher) matches(shape geometry.Shape) bool {
	if sr.opts.relation == Within {
		return sr.region.Contains(shape.Bounds())
	}
	return shape.Intersects(sr.region)
}

// distance is the squared distance from the region center to box, 0 when the
// center lies inside it.
func distance(box, region geometry.BoundingBox) float64 {
	if box.IsEmpty() || box.Dims() != region.Dims() {
		return 0
	}
	var d float64
	for i := 0; i < region.Dims(); i++ {
		c := float64(region.Center(i))
		switch lo, hi := float64(box.Min(i)), float64(box.Max(i)); {
		case c < lo:
			d += (lo - c) * (lo - c)
		case c > hi:
			d += (c - hi) * (c - hi)
		}
	}
	return d
}

// CollectPayloads drains seq into a bitmap of payload IDs.
func CollectPayloads(seq iter.Seq2[Match, error]) (*roaring.Bitmap, error) {
	bm := roaring.New()
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		bm.Add(uint32(m.Payload))
	}
	return bm, nil
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq2[Match, error]) ([]Match, error) {
	var out []Match
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Count drains seq and returns the number of matches.
func Count(seq iter.Seq2[Match, error]) (int, error) {
	n := 0
	for _, err := range seq {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
