// Package prom exports index metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/geobkd"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "geobkd"

// Collector implements geobkd.MetricsCollector with Prometheus metrics. It
// is also a prometheus.Collector, so it can be registered directly:
//
//	c := prom.NewCollector(prom.DefaultNamespace)
//	prometheus.MustRegister(c)
//	idx, _ := geobkd.New(store, codec, geobkd.WithMetricsCollector(c))
type Collector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	items      *prometheus.CounterVec
	matches    prometheus.Histogram
	reclaimed  prometheus.Counter
}

var (
	_ geobkd.MetricsCollector = (*Collector)(nil)
	_ prometheus.Collector    = (*Collector)(nil)
)

// NewCollector creates unregistered metrics under namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total index operations by type and status",
			},
			[]string{"op", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Index operation latency in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"op"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_indexed_total",
				Help:      "Items written by bulk builds and rebuilds",
			},
			[]string{"op"},
		),
		matches: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_matches",
				Help:      "Matches yielded per search",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		reclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reclaimed_nodes_total",
				Help:      "Retired nodes released to the store",
			},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	c.operations.WithLabelValues(op, status(err)).Inc()
	c.duration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordInsert implements geobkd.MetricsCollector.
func (c *Collector) RecordInsert(d time.Duration, err error) {
	c.observe("insert", d, err)
}

// RecordBuild implements geobkd.MetricsCollector.
func (c *Collector) RecordBuild(count int, d time.Duration, err error) {
	c.observe("build", d, err)
	if err == nil {
		c.items.WithLabelValues("build").Add(float64(count))
	}
}

// RecordSearch implements geobkd.MetricsCollector.
func (c *Collector) RecordSearch(matches int, d time.Duration, err error) {
	c.observe("search", d, err)
	c.matches.Observe(float64(matches))
}

// RecordRebuild implements geobkd.MetricsCollector.
func (c *Collector) RecordRebuild(count int, d time.Duration, err error) {
	c.observe("rebuild", d, err)
	if err == nil {
		c.items.WithLabelValues("rebuild").Add(float64(count))
	}
}

// RecordCommit implements geobkd.MetricsCollector.
func (c *Collector) RecordCommit(d time.Duration, err error) {
	c.observe("commit", d, err)
}

// RecordReclaim implements geobkd.MetricsCollector.
func (c *Collector) RecordReclaim(nodes int) {
	c.reclaimed.Add(float64(nodes))
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.operations, c.duration, c.items, c.matches, c.reclaimed}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}
