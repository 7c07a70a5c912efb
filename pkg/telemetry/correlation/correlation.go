// Package correlation threads one correlation id from an inbound request through
// the outbox to published booking events.
package correlation

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type key struct{}

// FromContext returns the correlation id on ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure returns ctx carrying a correlation id, minting a ULID when it has none.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return WithID(ctx, id), id
}

// MessageHeaders builds the tracing headers attached to an outbound message.
func MessageHeaders(ctx context.Context, publishedAt time.Time) map[string]string {
	_, id := Ensure(ctx)
	headers := map[string]string{
		"correlation_id": id,
		"published_at":   publishedAt.UTC().Format(time.RFC3339Nano),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		headers["trace_id"] = sc.TraceID().String()
		headers["span_id"] = sc.SpanID().String()
	}
	return headers
}

// WithRemoteParent makes the given trace and span the remote parent of ctx.
// Malformed identifiers leave ctx unchanged.
func WithRemoteParent(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
}
