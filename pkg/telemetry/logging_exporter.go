package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		event := l.logger.Debug()
		if span.Status().Code == codes.Error {
			event = l.logger.Warn().Str("span_status", span.Status().Description)
		}
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if sc.SpanID().IsValid() {
			event = event.Str("span_id", sc.SpanID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		fields := make(map[string]any, len(span.Attributes()))
		for _, attr := range span.Attributes() {
			fields[string(attr.Key)] = attr.Value.Emit()
		}
		event.
			Str("span_name", span.Name()).
			Str("span_kind", span.SpanKind().String()).
			Dur("duration", span.EndTime().Sub(span.StartTime())).
			Fields(fields).
			Msg("span finished")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
