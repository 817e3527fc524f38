package bufmgr

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with buffer-manager specific context.
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

// WithBuffer adds the id of a tuple buffer or tree.
func (l *Logger) WithBuffer(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("buffer", id),
	}
}

// WithStore adds a file store name.
func (l *Logger) WithStore(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("store", name),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogTruncate logs a tuple buffer truncation.
func (l *Logger) LogTruncate(ctx context.Context, id string, from, to int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "truncate failed",
			"buffer", id,
			"rows", from,
			"target", to,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "truncate completed",
			"buffer", id,
			"rows", from,
			"target", to,
		)
	}
}

// LogReserve logs a processing reservation.
func (l *Logger) LogReserve(ctx context.Context, mode ReserveMode, requestedKB, grantedKB int, err error) {
	if err != nil {
		l.WarnContext(ctx, "reservation failed",
			"mode", mode.String(),
			"requested_kb", requestedKB,
			"error", err,
		)
	} else if grantedKB < requestedKB {
		l.DebugContext(ctx, "reservation reduced",
			"mode", mode.String(),
			"requested_kb", requestedKB,
			"granted_kb", grantedKB,
		)
	}
}

// LogRemove logs the release of a buffer, tree or store.
func (l *Logger) LogRemove(ctx context.Context, kind, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "release failed",
			"kind", kind,
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "released",
			"kind", kind,
			"id", id,
		)
	}
}

// LogLeaks logs objects still alive when the manager is closed.
func (l *Logger) LogLeaks(ctx context.Context, buffers, trees, stores int) {
	if buffers+trees+stores == 0 {
		return
	}
	l.WarnContext(ctx, "closing buffer manager with live objects",
		"buffers", buffers,
		"trees", trees,
		"stores", stores,
	)
}
