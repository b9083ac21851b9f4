package telemetry

import (
	"context"
	"errors"
	"strings"

	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options selects where spans go.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
	// LogSpans writes every finished span to Logger.
	LogSpans   bool
	Logger     zerolog.Logger
	Processors []sdktrace.SpanProcessor
}

// OptionsFromConfig maps the tracing section of a config file.
func OptionsFromConfig(service, version string, cfg config.TracingConfig, logger zerolog.Logger) Options {
	return Options{
		ServiceName:    service,
		ServiceVersion: version,
		Endpoint:       cfg.Endpoint,
		Insecure:       cfg.Insecure,
		SampleRatio:    cfg.SampleRatio,
		LogSpans:       cfg.LogSpans,
		Logger:         logger,
	}
}

// SetupTracing configures an OpenTelemetry tracer provider with optional OTLP
// and log exporters and installs global propagators. Callers shut the
// returned provider down.
func SetupTracing(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	sampleRatio := opts.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(res),
	}

	if opts.Endpoint != "" {
		exporter, err := newOTLPExporter(ctx, opts.Endpoint, opts.Insecure)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	if opts.LogSpans {
		logger := opts.Logger.With().Str("component", "otel").Logger()
		providerOpts = append(providerOpts, sdktrace.WithSyncer(newLoggingExporter(logger)))
	}
	for _, p := range opts.Processors {
		providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(p))
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return provider, nil
}

// newOTLPExporter accepts an endpoint with or without scheme; http:// implies
// an insecure connection.
func newOTLPExporter(ctx context.Context, endpoint string, insecure bool) (sdktrace.SpanExporter, error) {
	ep := endpoint
	if strings.HasPrefix(endpoint, "https://") {
		ep = strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		ep = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	}
	if ep == "" {
		return nil, errors.New("invalid OTLP endpoint")
	}
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
	if insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, clientOpts...)
}
