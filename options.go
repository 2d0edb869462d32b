package geobkd

import (
	"log/slog"

	"github.com/hupe1980/geobkd/resource"
	"github.com/hupe1980/geobkd/tree"
)

// DefaultRebuildSlack is how many levels a tree may grow beyond the height
// of a bulk build before NeedsRebuild reports true.
const DefaultRebuildSlack = 2

type options struct {
	leafCapacity     int
	metricsCollector MetricsCollector
	logger           *Logger
	rebuildSlack     int
	autoRebuild      bool
	resource         *resource.Controller
}

// Option configures New and Open.
type Option func(*options)

// WithLeafCapacity sets the maximum number of items per leaf.
func WithLeafCapacity(n int) Option {
	return func(o *options) {
		o.leafCapacity = n
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &geobkd.BasicMetricsCollector{}
//	idx, _ := geobkd.New(store, codec, geobkd.WithMetricsCollector(metrics))
//	// ... use idx ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithRebuildSlack sets how far the height may exceed ⌈log2(count/L)⌉
// before a rebuild is due.
func WithRebuildSlack(levels int) Option {
	return func(o *options) {
		o.rebuildSlack = levels
	}
}

// WithAutoRebuild schedules a background rebuild whenever an insert leaves
// the tree due for one.
func WithAutoRebuild(enabled bool) Option {
	return func(o *options) {
		o.autoRebuild = enabled
	}
}

// WithResourceController bounds background rebuilds with rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resource = rc
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		leafCapacity:     tree.DefaultLeafCapacity,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		rebuildSlack:     DefaultRebuildSlack,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
