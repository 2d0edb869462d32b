package geobkd

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/geobkd/nodestore"
)

// Logger wraps slog.Logger with index-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithPayload adds a payload field to the logger.
func (l *Logger) WithPayload(id nodestore.PayloadID) *Logger {
	return &Logger{
		Logger: l.Logger.With("payload", id),
	}
}

// WithEpoch adds a snapshot epoch field to the logger.
func (l *Logger) WithEpoch(epoch uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("epoch", epoch),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, id nodestore.PayloadID, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"payload", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"payload", id,
		)
	}
}

// LogBuild logs a bulk build.
func (l *Logger) LogBuild(ctx context.Context, count, height int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"count", count,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "build completed",
			"count", count,
			"height", height,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, matches int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"matches", matches,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"matches", matches,
		)
	}
}

// LogRebuild logs a rebuild.
func (l *Logger) LogRebuild(ctx context.Context, count, heightBefore, heightAfter int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed",
			"count", count,
			"height_before", heightBefore,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rebuild completed",
			"count", count,
			"height_before", heightBefore,
			"height_after", heightAfter,
		)
	}
}

// LogCommit logs a durable commit.
func (l *Logger) LogCommit(ctx context.Context, id string, root nodestore.NodeRef, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"id", id,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"id", id,
			"root", root,
		)
	}
}

// LogReclaim logs the release of retired nodes.
func (l *Logger) LogReclaim(ctx context.Context, nodes int, err error) {
	if err != nil {
		l.WarnContext(ctx, "reclaim failed",
			"nodes", nodes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "reclaimed retired nodes",
			"nodes", nodes,
		)
	}
}
