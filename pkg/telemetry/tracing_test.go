package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, Options{ServiceName: "edgepulse-server", ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupTracingRejectsEmptyEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), Options{ServiceName: "x", Endpoint: "https://"})
	require.Error(t, err)
}

func TestLogSpansAndRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	recorder := NewSpanRecorder()

	opts := OptionsFromConfig("edgepulse-server", "test", config.TracingConfig{LogSpans: true, SampleRatio: 1}, logger)
	opts.Processors = append(opts.Processors, recorder)

	ctx := context.Background()
	provider, err := SetupTracing(ctx, opts)
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(ctx, "queue-command")
	span.SetAttributes(attribute.String("client_id", "edge-01"))
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	require.Len(t, recorder.Named("queue-command"), 1)
	require.Contains(t, buf.String(), "span finished")
	require.Contains(t, buf.String(), "edge-01")
}
