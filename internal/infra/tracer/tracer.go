// Package tracer exports OpenTelemetry spans for VM session operations.
package tracer

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"umka-embed/internal/domain"
	"umka-embed/internal/infra/config"
)

const tracerName = "umka-embed"

// Attribute keys carried by session spans.
const (
	KeySession   = "umka.session"
	KeyFunction  = "umka.function"
	KeyFile      = "umka.file"
	KeyArgs      = "umka.args"
	KeyBytes     = "umka.bytes"
	KeyErrorCode = "umka.error_code"
)

// Setup installs the global tracer provider described by cfg and returns
// its shutdown function. Disabled tracing and the noop exporter install a
// noop provider. The stdout exporter writes to w, or os.Stdout when nil.
func Setup(_ context.Context, cfg config.TracerConfig, w io.Writer) (func(context.Context) error, error) {
	exp, err := exporterFor(cfg, w)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", tracerName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// exporterFor returns nil when no spans should be exported.
func exporterFor(cfg config.TracerConfig, w io.Writer) (sdktrace.SpanExporter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Exporter {
	case "", "noop":
		return nil, nil
	case "stdout":
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
}

// Start opens the span of one session operation, named "umka.<op>". The
// session id is attached when known.
func Start(ctx context.Context, op, session string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if session != "" {
		attrs = append(attrs, Session(session))
	}
	return otel.Tracer(tracerName).Start(ctx, "umka."+op, trace.WithAttributes(attrs...))
}

// Finish sets the span status from err and ends it. A failure is recorded
// with its error taxonomy code.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(KeyErrorCode, string(domain.ErrorCodeOf(err))))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func Session(id string) attribute.KeyValue    { return attribute.String(KeySession, id) }
func Function(name string) attribute.KeyValue { return attribute.String(KeyFunction, name) }
func File(name string) attribute.KeyValue     { return attribute.String(KeyFile, name) }
func Args(n int) attribute.KeyValue           { return attribute.Int(KeyArgs, n) }
func Bytes(n int) attribute.KeyValue          { return attribute.Int(KeyBytes, n) }
