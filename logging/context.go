package logging

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	sourceKey contextKey = iota
	workerKey
	traceKey
)

// WithSource returns a context carrying the trap sender's IP address.
func WithSource(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, sourceKey, ip)
}

// WithWorker returns a context carrying the worker ID processing a datagram.
func WithWorker(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerKey, id)
}

// WithTraceID returns a context carrying a per-datagram trace identifier.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey, id)
}

// SourceFromContext returns the sender IP stored by WithSource.
func SourceFromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(sourceKey).(string)
	return ip, ok
}

// TraceIDFromContext returns the identifier stored by WithTraceID.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(traceKey).(string)
	return id, ok
}

// extractContextFields returns the logging attributes stored in ctx.
func extractContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr
	if ip, ok := ctx.Value(sourceKey).(string); ok && ip != "" {
		attrs = append(attrs, slog.String("source_ip", ip))
	}
	if id, ok := ctx.Value(workerKey).(int); ok {
		attrs = append(attrs, slog.Int("worker_id", id))
	}
	if id, ok := ctx.Value(traceKey).(string); ok && id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	return attrs
}

// ContextHandler decorates records with the attributes carried by the
// context passed to the *Context logging methods.
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next.
func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := extractContextFields(ctx); len(attrs) > 0 {
		record.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}
