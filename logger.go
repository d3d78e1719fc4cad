package embedvault

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vault-specific helpers.
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

// WithID adds an id field to the logger.
func (l *Logger) WithID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithDimension adds a dimension field to the logger.
func (l *Logger) WithDimension(dim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("dimension", dim),
	}
}

// LogPut logs a write.
func (l *Logger) LogPut(ctx context.Context, id string, dimension int, latency time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"id", id,
			"dimension", dimension,
			"latency", latency,
		)
	}
}

// LogBatchPut logs a batch write.
func (l *Logger) LogBatchPut(ctx context.Context, count, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch put completed with failures",
			"total", count,
			"failed", failed,
			"success", count-failed,
		)
	} else {
		l.DebugContext(ctx, "batch put completed",
			"count", count,
		)
	}
}

// LogSearch logs a query.
func (l *Logger) LogSearch(ctx context.Context, limit, resultsFound int, cached bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"limit", limit,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"limit", limit,
			"results", resultsFound,
			"cached", cached,
		)
	}
}

// LogDelete logs a delete.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogSnapshot logs a snapshot.
func (l *Logger) LogSnapshot(ctx context.Context, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot created",
			"version", version,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rollback failed",
			"version", version,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rolled back",
			"version", version,
		)
	}
}

// LogIndexEnsure logs an index reuse or build.
func (l *Logger) LogIndexEnsure(ctx context.Context, buildID string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ensure index failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index ready",
			"build_id", buildID,
			"elapsed", elapsed,
		)
	}
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op string, objects int, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"objects", objects,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"objects", objects,
			"bytes", bytes,
		)
	}
}
