package tree

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/memstore"
	"github.com/hupe1980/geobkd/testutil"
)

func newStore(t *testing.T, l geometry.Layout, opts ...memstore.Option) *memstore.Store {
	t.Helper()
	s, err := memstore.New(l, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func payloads(t *testing.T, s nodestore.Store, tr Tree) []nodestore.PayloadID {
	t.Helper()
	items, err := Extract(context.Background(), s, tr)
	require.NoError(t, err)
	out := make([]nodestore.PayloadID, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	slices.Sort(out)
	return out
}

func seq(n int) []nodestore.PayloadID {
	out := make([]nodestore.PayloadID, n)
	for i := range out {
		out[i] = nodestore.PayloadID(i)
	}
	return out
}

func TestBalancedHeight(t *testing.T) {
	assert.Equal(t, 0, BalancedHeight(0, 4))
	assert.Equal(t, 0, BalancedHeight(4, 4))
	assert.Equal(t, 1, BalancedHeight(5, 4))
	assert.Equal(t, 8, BalancedHeight(1000, 4))
	assert.Equal(t, 10, BalancedHeight(1024, 1))
}

func TestBulkBuildEmpty(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, geometry.PointLayout(2))

	tr, err := BulkBuild(ctx, s, nil, 4)
	require.NoError(t, err)
	assert.True(t, tr.IsEmpty())

	h, err := Height(ctx, s, tr)
	require.NoError(t, err)
	assert.Zero(t, h)
	require.NoError(t, Validate(ctx, s, tr))
}

func TestBulkBuildPoints(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())
	items := testutil.EncodeAll(codec, testutil.NewRNG(1).Points(1000, 2, 1<<20))

	tr, err := BulkBuild(ctx, s, items, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), tr.Count)

	h, err := Height(ctx, s, tr)
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 8, tr.Height)

	st, err := Collect(ctx, s, tr)
	require.NoError(t, err)
	assert.Equal(t, 1000, st.Items)
	assert.Equal(t, st.BalancedHeight, st.Height)
	assert.LessOrEqual(t, st.MaxLeafItems, 4)
	assert.Equal(t, st.Nodes, 2*st.Leaves-1)

	require.NoError(t, Validate(ctx, s, tr))
	assert.Equal(t, seq(1000), payloads(t, s, tr))
}

func TestBulkBuildSplitRule(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())
	pts := []geometry.Point{
		geometry.NewPoint(100, 1),
		geometry.NewPoint(20, 2),
		geometry.NewPoint(0, 3),
		geometry.NewPoint(30, 4),
		geometry.NewPoint(10, 5),
	}
	items := testutil.EncodeAll(codec, pts)
	tr, err := BulkBuild(ctx, s, items, 3)
	require.NoError(t, err)

	root, err := s.Read(ctx, tr.Root)
	require.NoError(t, err)
	require.False(t, root.IsLeaf())
	assert.Equal(t, nodestore.Split{Dim: 0, Value: 30}, root.Split)

	left, err := s.Read(ctx, root.Left)
	require.NoError(t, err)
	require.Len(t, left.Items, 3)
	assert.Equal(t, []nodestore.PayloadID{2, 4, 1},
		[]nodestore.PayloadID{left.Items[0].Payload, left.Items[1].Payload, left.Items[2].Payload})

	// Input is not reordered.
	assert.Equal(t, nodestore.PayloadID(0), items[0].Payload)
}

func TestBulkBuildTiesGoLeft(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(1)
	s := newStore(t, codec.Layout())
	pts := []geometry.Point{
		geometry.NewPoint(5), geometry.NewPoint(5), geometry.NewPoint(5), geometry.NewPoint(7),
	}
	tr, err := BulkBuild(ctx, s, testutil.EncodeAll(codec, pts), 2)
	require.NoError(t, err)

	root, err := s.Read(ctx, tr.Root)
	require.NoError(t, err)
	assert.Equal(t, int64(5), root.Split.Value)
	left, err := s.Read(ctx, root.Left)
	require.NoError(t, err)
	assert.Equal(t, nodestore.PayloadID(0), left.Items[0].Payload)
	assert.Equal(t, nodestore.PayloadID(1), left.Items[1].Payload)
}

func TestBulkBuildErrors(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())

	_, err := BulkBuild(ctx, s, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidLeafCapacity)

	_, err = BulkBuild(ctx, s, []nodestore.Item{{Payload: 1, Value: []byte{1, 2}}}, 4)
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)
}

func TestBulkBuildCapacityRollback(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout(), memstore.WithMaxNodes(10))
	items := testutil.EncodeAll(codec, testutil.NewRNG(2).Points(100, 2, 1000))

	_, err := BulkBuild(ctx, s, items, 4)
	assert.ErrorIs(t, err, nodestore.ErrCapacityExceeded)
	assert.Zero(t, s.Stats().Nodes)
}

func TestInsert(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewTriangleCodec()
	s := newStore(t, codec.Layout())
	items := testutil.EncodeAll(codec, testutil.NewRNG(3).Triangles(300, 1<<16))

	tr := Empty(codec.Layout(), 8)
	var err error
	for i, it := range items {
		tr, err = Insert(ctx, s, tr, it)
		require.NoError(t, err)
		if i%50 == 0 {
			require.NoError(t, Validate(ctx, s, tr))
		}
	}
	require.NoError(t, Validate(ctx, s, tr))
	assert.Equal(t, uint64(300), tr.Count)
	assert.Equal(t, seq(300), payloads(t, s, tr))

	// Old leaves are freed on split.
	st, err := Collect(ctx, s, tr)
	require.NoError(t, err)
	assert.Equal(t, int64(st.Nodes), s.Stats().Nodes)
	assert.Equal(t, st.Height, tr.Height)
}

// failingStore fails the selected mutations of the wrapped store.
type failingStore struct {
	*memstore.Store
	failLeafWrite    bool
	failReplaceChild bool
}

var errInjected = errors.New("injected")

func (f *failingStore) WriteLeafItems(ctx context.Context, ref nodestore.NodeRef, items []nodestore.Item) error {
	if f.failLeafWrite {
		return errInjected
	}
	return f.Store.WriteLeafItems(ctx, ref, items)
}

func (f *failingStore) ReplaceChild(ctx context.Context, parent nodestore.NodeRef, side nodestore.Side, child nodestore.NodeRef) error {
	if f.failReplaceChild {
		return errInjected
	}
	return f.Store.ReplaceChild(ctx, parent, side, child)
}

func gridItems(codec geometry.Codec, n int32) []nodestore.Item {
	var pts []geometry.Point
	for i := int32(0); i < n; i++ {
		pts = append(pts, geometry.NewPoint(i%4, i/4))
	}
	return testutil.EncodeAll(codec, pts)
}

func TestInsertFailureLeavesTreeIntact(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	far, err := codec.Encode(geometry.NewPoint(1000, 1000))
	require.NoError(t, err)
	item := nodestore.Item{Payload: 99, Value: far}

	tests := []struct {
		name  string
		n     int32
		setup func(f *failingStore)
	}{
		// 12 points make leaves of 3, so the item fits without a split.
		{"leaf write", 12, func(f *failingStore) { f.failLeafWrite = true }},
		// 16 points make full leaves, so the item forces a split.
		{"replace child", 16, func(f *failingStore) { f.failReplaceChild = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &failingStore{Store: newStore(t, codec.Layout())}
			items := gridItems(codec, tt.n)
			tr, err := BulkBuild(ctx, f, items, 4)
			require.NoError(t, err)
			nodes := f.Stats().Nodes

			tt.setup(f)
			got, err := Insert(ctx, f, tr, item)
			require.ErrorIs(t, err, errInjected)
			assert.Equal(t, tr, got)
			require.NoError(t, Validate(ctx, f, tr))
			assert.Equal(t, nodes, f.Stats().Nodes)
			assert.Equal(t, seq(int(tt.n)), payloads(t, f, tr))
		})
	}

	t.Run("root split", func(t *testing.T) {
		s := newStore(t, codec.Layout(), memstore.WithMaxNodes(2))
		tr, err := BulkBuild(ctx, s, gridItems(codec, 4), 4)
		require.NoError(t, err)

		got, err := Insert(ctx, s, tr, item)
		require.ErrorIs(t, err, nodestore.ErrCapacityExceeded)
		assert.Equal(t, tr, got)
		require.NoError(t, Validate(ctx, s, tr))
		assert.Equal(t, int64(1), s.Stats().Nodes)
	})
}

func TestInsertRejectsBadItem(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, geometry.PointLayout(2))
	tr := Empty(s.Layout(), 4)

	_, err := Insert(ctx, s, tr, nodestore.Item{Value: []byte{1}})
	assert.ErrorIs(t, err, geometry.ErrMalformedEncoding)
	_, _, err = InsertCOW(ctx, s, Tree{Layout: s.Layout()}, nodestore.Item{})
	assert.ErrorIs(t, err, ErrInvalidLeafCapacity)
}

func TestInsertCOW(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())
	items := testutil.EncodeAll(codec, testutil.NewRNG(4).Points(200, 2, 1<<16))

	tr, err := BulkBuild(ctx, s, items[:100], 4)
	require.NoError(t, err)
	base := tr
	baseRefs, err := Refs(ctx, s, base)
	require.NoError(t, err)

	var retired []nodestore.NodeRef
	for _, it := range items[100:] {
		var r []nodestore.NodeRef
		tr, r, err = InsertCOW(ctx, s, tr, it)
		require.NoError(t, err)
		retired = append(retired, r...)
	}
	require.NoError(t, Validate(ctx, s, tr))
	assert.Equal(t, seq(200), payloads(t, s, tr))
	h, err := Height(ctx, s, tr)
	require.NoError(t, err)
	assert.Equal(t, h, tr.Height)

	// The base tree is untouched.
	require.NoError(t, Validate(ctx, s, base))
	assert.Equal(t, seq(100), payloads(t, s, base))
	after, err := Refs(ctx, s, base)
	require.NoError(t, err)
	assert.Equal(t, baseRefs, after)

	// No retired ref is reachable from the new root.
	live, err := Refs(ctx, s, tr)
	require.NoError(t, err)
	liveSet := make(map[nodestore.NodeRef]bool, len(live))
	for _, r := range live {
		liveSet[r] = true
	}
	for _, r := range retired {
		assert.False(t, liveSet[r], "retired ref %d still reachable", r)
	}
}

func TestInsertCOWIntoEmpty(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())
	items := testutil.EncodeAll(codec, []geometry.Point{geometry.NewPoint(1, 2)})

	tr, retired, err := InsertCOW(ctx, s, Empty(codec.Layout(), 4), items[0])
	require.NoError(t, err)
	assert.Empty(t, retired)
	assert.Equal(t, uint64(1), tr.Count)
}

func TestWalkStopsEarly(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s := newStore(t, codec.Layout())
	tr, err := BulkBuild(ctx, s, testutil.EncodeAll(codec, testutil.NewRNG(5).Points(50, 2, 100)), 4)
	require.NoError(t, err)

	n := 0
	for _, err := range Walk(ctx, s, tr) {
		require.NoError(t, err)
		n++
		if n == 7 {
			break
		}
	}
	assert.Equal(t, 7, n)
}

func TestDumpAndSVG(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewTriangleCodec()
	s := newStore(t, codec.Layout())
	tr, err := BulkBuild(ctx, s, testutil.EncodeAll(codec, testutil.NewRNG(6).Triangles(20, 100)), 4)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Dump(ctx, s, nil, tr, &buf))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "internal #"))
	assert.Contains(t, out, "\n  ")
	assert.Contains(t, out, "leaf #")

	buf.Reset()
	require.NoError(t, Dump(ctx, s, codec, tr, &buf))
	assert.Contains(t, buf.String(), "Triangle(")

	buf.Reset()
	opts := SVGOptions{Query: geometry.Box2D(-10, -10, 10, 10), Highlight: map[nodestore.PayloadID]bool{0: true}}
	require.NoError(t, WriteSVG(ctx, s, codec, tr, &buf, opts))
	svg := buf.String()
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Equal(t, 20, strings.Count(svg, "<polygon"))
	assert.Contains(t, svg, queryColor)
	assert.True(t, strings.HasSuffix(svg, "</svg>\n"))

	buf.Reset()
	require.NoError(t, Dump(ctx, s, nil, Empty(codec.Layout(), 4), &buf))
	assert.Equal(t, "(empty)\n", buf.String())
}
