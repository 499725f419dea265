// Package telemetry wires the OTel tracer provider and the zap-backed
// logr.Logger shared across every component, so a request's trace_id is one
// identifier that threads through spans, logs, and audit rows.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gridguard"

// TracerConfig controls exporter selection for the tracer provider.
type TracerConfig struct {
	// Enabled turns tracing on; when false a no-op tracer is returned and no
	// exporter is constructed.
	Enabled bool
}

// Provider owns the process's tracer and, when enabled, the SDK provider
// that must be flushed at shutdown.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider builds a Provider. With tracing enabled it exports spans via
// stdouttrace; an OTLP exporter can be swapped in behind this same seam
// without touching call sites.
func NewProvider(cfg TracerConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(tracerName)}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{tracer: tp.Tracer(tracerName), provider: tp}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the SDK provider, a no-op when tracing is disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// StartRequestSpan starts the top-level span for one inference request.
func (p *Provider) StartRequestSpan(ctx context.Context, requestID, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(),
	)
}

// TraceIDFromContext renders the active span's trace ID as hex, the value
// used for both the logging and audit-record trace_id field.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
