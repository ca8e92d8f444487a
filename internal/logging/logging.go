// Package logging wires slog for the service: handler construction plus the
// context plumbing for request-scoped loggers.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type requestIDKey struct{}

type loggerKey struct{}

// New builds the process logger. level accepts the slog names ("debug",
// "info", "warn", "error"); unknown values fall back to info. format "json"
// selects the JSON handler, anything else logs as text. Debug level also
// records source locations.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl <= slog.LevelDebug,
	}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// WithRequestID stamps the request ID onto ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithLogger stores logger in ctx for downstream handlers.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// L is the request-scoped logger: FromContext plus the request_id attribute
// when ctx carries one.
func L(ctx context.Context) *slog.Logger {
	l := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}
