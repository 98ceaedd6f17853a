// Package ctxlog provides context-aware logging utilities.
//
// Besides the request-scoped logger it carries the correlation id of the
// logical operation in progress (a scheduler tick, a delivery, an admin
// action). The logger returned by FromContext is bound to exactly one
// "correlation_id" attribute, the innermost id set on the context.
package ctxlog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// CorrelationAttr is the log attribute carrying the correlation id.
const CorrelationAttr = "correlation_id"

type ctxKey struct{}

type correlationKey struct{}

// loggers keeps the logger as given next to its correlation-bound
// variant, so rebinding a new id replaces the attribute.
type loggers struct {
	base  *slog.Logger
	bound *slog.Logger
}

// FromContext extracts the logger from context.
// Returns slog.Default() if no logger is found.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(loggers); ok {
		return l.bound
	}
	return slog.Default()
}

// WithLogger adds a logger to the context. The logger must not carry the
// correlation attribute itself; use With to extend the context logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return withLoggers(ctx, logger, CorrelationID(ctx))
}

// With adds attributes to the context logger.
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, baseLogger(ctx).With(args...))
}

func baseLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(loggers); ok {
		return l.base
	}
	return slog.Default()
}

func withLoggers(ctx context.Context, base *slog.Logger, id string) context.Context {
	bound := base
	if id != "" {
		bound = base.With(CorrelationAttr, id)
	}
	return context.WithValue(ctx, ctxKey{}, loggers{base: base, bound: bound})
}

// NewCorrelationID returns a fresh opaque correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID binds id to ctx and to the context logger, replacing
// any id bound earlier. If ctx already carries the same id it is returned
// unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" || CorrelationID(ctx) == id {
		return ctx
	}
	base := baseLogger(ctx)
	ctx = context.WithValue(ctx, correlationKey{}, id)
	return withLoggers(ctx, base, id)
}

// EnsureCorrelationID keeps an existing correlation id or assigns a new one.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if CorrelationID(ctx) != "" {
		return ctx
	}
	return WithCorrelationID(ctx, NewCorrelationID())
}

// Run executes fn with a correlation id bound to its context.
// seed is used as the id when set; otherwise the id already on ctx is kept,
// or a new one is generated.
func Run[T any](ctx context.Context, seed string, fn func(ctx context.Context) T) T {
	if seed != "" {
		ctx = WithCorrelationID(ctx, seed)
	} else {
		ctx = EnsureCorrelationID(ctx)
	}
	return fn(ctx)
}
