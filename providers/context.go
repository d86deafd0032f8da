package providers

import "context"

type traceIDKeyType struct{}

var traceIDKey = traceIDKeyType{}

// WithTraceID returns a context carrying the given trace ID. The shared
// request helpers forward it to providers as X-Request-ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFrom extracts the trace ID from context.
func TraceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
