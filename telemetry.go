package ygggo_dbclient

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationVersion = "v0.1.0"

// tracing starts spans for client operations. A nil *tracing is disabled and
// returns the caller's span unchanged.
type tracing struct {
	tracer trace.Tracer
	system string
}

func newTracing(provider trace.TracerProvider, driver string) *tracing {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &tracing{
		tracer: provider.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion)),
		system: driver,
	}
}

// startSpan creates a span named ygggo_db.<operation> with the common db attributes.
func (t *tracing) startSpan(ctx context.Context, operation, statement string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, "ygggo_db."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", t.system),
		attribute.String("db.operation", operation),
	)
	if statement != "" {
		span.SetAttributes(attribute.String("db.statement", statement))
	}
	return ctx, span
}

// finishSpan records err on span and ends it.
func (t *tracing) finishSpan(span trace.Span, err error) {
	if t == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("db.error_kind", KindOf(err).String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
