package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	traceIDKey contextKey = iota
	messageIDKey
)

// WithTrace returns a context carrying the trace and message IDs of the
// envelope being processed. Both are attached to every record logged
// with that context.
func WithTrace(ctx context.Context, traceID, messageID string) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if messageID != "" {
		ctx = context.WithValue(ctx, messageIDKey, messageID)
	}
	return ctx
}

// TraceID extracts the trace ID from the context.
// Returns an empty string if none is set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// MessageID extracts the message ID from the context.
func MessageID(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey).(string)
	return id
}

// ContextHandler adds trace_id and message_id attributes from the
// record's context before delegating.
type ContextHandler struct {
	inner slog.Handler
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enriches the record with correlation attributes.
func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if id := TraceID(ctx); id != "" {
		rec.AddAttrs(slog.String("trace_id", id))
	}
	if id := MessageID(ctx); id != "" {
		rec.AddAttrs(slog.String("message_id", id))
	}
	return h.inner.Handle(ctx, rec)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
