package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggingExporterEmitsSpan(t *testing.T) {
	var buf bytes.Buffer
	exporter := newLoggingExporter(zerolog.New(&buf))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "heartbeat.process")
	span.SetAttributes(attribute.String("agent.uuid", "a1"))
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	out := buf.String()
	require.Contains(t, out, `"span":"heartbeat.process"`)
	require.Contains(t, out, `"agent.uuid":"a1"`)
	require.Contains(t, out, `"component":"otel"`)
}
