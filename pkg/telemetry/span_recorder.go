package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder keeps finished spans in memory for tests.
type SpanRecorder struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

// InstallSpanRecorder makes a recorder the global span sink and restores
// the previous tracer provider when the returned func runs.
func InstallSpanRecorder() (*SpanRecorder, func()) {
	rec := &SpanRecorder{}
	prev := otel.GetTracerProvider()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(provider)
	return rec, func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, span)
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Named returns the finished spans called name, oldest first.
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
