package geobkd

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the prom
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordInsert is called after each insert.
	RecordInsert(duration time.Duration, err error)

	// RecordBuild is called after each bulk build with the number of items.
	RecordBuild(count int, duration time.Duration, err error)

	// RecordSearch is called when a search iteration ends with the number
	// of matches it yielded.
	RecordSearch(matches int, duration time.Duration, err error)

	// RecordRebuild is called after each rebuild.
	RecordRebuild(count int, duration time.Duration, err error)

	// RecordCommit is called after each durable commit.
	RecordCommit(duration time.Duration, err error)

	// RecordReclaim is called when retired nodes are released.
	RecordReclaim(nodes int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)       {}
func (NoopMetricsCollector) RecordBuild(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordRebuild(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCommit(time.Duration, error)       {}
func (NoopMetricsCollector) RecordReclaim(int)                       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	BuildCount       atomic.Int64
	BuildItems       atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchMatches    atomic.Int64
	SearchTotalNanos atomic.Int64
	RebuildCount     atomic.Int64
	RebuildErrors    atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	ReclaimedNodes   atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBuild(count int, _ time.Duration, err error) {
	b.BuildCount.Add(1)
	if err == nil {
		b.BuildItems.Add(int64(count))
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(matches int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchMatches.Add(int64(matches))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(_ int, _ time.Duration, err error) {
	b.RebuildCount.Add(1)
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(_ time.Duration, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordReclaim implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReclaim(nodes int) {
	b.ReclaimedNodes.Add(int64(nodes))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:    b.InsertCount.Load(),
		InsertErrors:   b.InsertErrors.Load(),
		InsertAvgNanos: avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		BuildCount:     b.BuildCount.Load(),
		BuildItems:     b.BuildItems.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchMatches:  b.SearchMatches.Load(),
		SearchAvgNanos: avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		RebuildCount:   b.RebuildCount.Load(),
		RebuildErrors:  b.RebuildErrors.Load(),
		CommitCount:    b.CommitCount.Load(),
		CommitErrors:   b.CommitErrors.Load(),
		ReclaimedNodes: b.ReclaimedNodes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount    int64
	InsertErrors   int64
	InsertAvgNanos int64
	BuildCount     int64
	BuildItems     int64
	SearchCount    int64
	SearchErrors   int64
	SearchMatches  int64
	SearchAvgNanos int64
	RebuildCount   int64
	RebuildErrors  int64
	CommitCount    int64
	CommitErrors   int64
	ReclaimedNodes int64
}
