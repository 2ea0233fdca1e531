package uppend

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with helpers for store lifecycle events. Field
// names are snake_case and shared by Store, CounterStore and Flusher.
type Logger struct {
	*slog.Logger
}

// NewLogger returns a Logger for handler, or an info-level text logger on
// stderr when handler is nil.
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

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(partition string) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", partition),
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
	}
}

// LogOpen logs opening a store.
func (l *Logger) LogOpen(ctx context.Context, dir string, readOnly bool, valuesPerBlock int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"dir", dir,
			"read_only", readOnly,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "store opened",
		"dir", dir,
		"read_only", readOnly,
		"values_per_block", valuesPerBlock,
	)
}

// LogFlush logs a store flush.
func (l *Logger) LogFlush(ctx context.Context, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"duration", duration,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "flush completed",
		"duration", duration,
	)
}

// LogClear logs clearing the store.
func (l *Logger) LogClear(ctx context.Context, partitions int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "clear failed",
			"partitions", partitions,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "store cleared",
		"partitions", partitions,
	)
}

// LogBackup logs a backup or restore.
func (l *Logger) LogBackup(ctx context.Context, op, id string, files int, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"backup_id", id,
			"files", files,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, op+" completed",
		"backup_id", id,
		"files", files,
		"bytes", bytes,
	)
}
