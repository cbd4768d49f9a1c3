package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepIDKey
	userIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithUserID returns a context with the user ID set.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// UserID extracts the user ID from the context, or "" if absent.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_id", v))
	}
	if v := StepID(ctx); v != "" {
		r.AddAttrs(slog.String("step_id", v))
	}
	if v := UserID(ctx); v != "" {
		r.AddAttrs(slog.String("user_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
