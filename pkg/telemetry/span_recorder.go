package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans in memory so tests can inspect them.
type SpanRecorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Named returns the finished spans called name.
func (r *SpanRecorder) Named(name string) []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sdktrace.ReadOnlySpan
	for _, span := range r.spans {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
