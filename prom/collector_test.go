package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geobkd"
	"github.com/hupe1980/geobkd/geometry"
	"github.com/hupe1980/geobkd/nodestore"
	"github.com/hupe1980/geobkd/nodestore/memstore"
	"github.com/hupe1980/geobkd/query"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("test")

	c.RecordInsert(time.Millisecond, nil)
	c.RecordInsert(time.Millisecond, errors.New("boom"))
	c.RecordBuild(100, time.Second, nil)
	c.RecordRebuild(40, time.Second, nil)
	c.RecordSearch(7, time.Microsecond, nil)
	c.RecordCommit(time.Millisecond, nil)
	c.RecordReclaim(12)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("insert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("insert", "error")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.items.WithLabelValues("build")))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.items.WithLabelValues("rebuild")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.reclaimed))
	assert.Equal(t, 1, testutil.CollectAndCount(c.matches))
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := NewCollector(DefaultNamespace)
	require.NoError(t, reg.Register(c))
	c.RecordCommit(time.Millisecond, nil)

	n, err := testutil.GatherAndCount(reg, "geobkd_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectorWithIndex(t *testing.T) {
	ctx := context.Background()
	codec := geometry.NewPointCodec(2)
	s, err := memstore.New(codec.Layout())
	require.NoError(t, err)

	c := NewCollector("idx")
	idx, err := geobkd.New(s, codec, geobkd.WithMetricsCollector(c), geobkd.WithLeafCapacity(4))
	require.NoError(t, err)
	defer idx.Close()

	for i := int32(0); i < 20; i++ {
		require.NoError(t, idx.InsertPoint(ctx, nodestore.PayloadID(i), geometry.NewPoint(i, i)))
	}
	bm, err := query.CollectPayloads(idx.Search(ctx, geometry.Box2D(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bm.GetCardinality())

	assert.Equal(t, 20.0, testutil.ToFloat64(c.operations.WithLabelValues("insert", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("search", "success")))
}
