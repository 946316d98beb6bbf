// Package tracing wires up the process-wide OpenTelemetry tracer provider,
// exporting spans to stdout in development and wiring a no-op provider when
// tracing is disabled.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider wraps the SDK tracer provider so callers have one thing to shut
// down at process exit.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds and installs a global tracer provider for serviceName. When
// enabled is false, a no-op provider is installed and Shutdown is a no-op.
func New(ctx context.Context, serviceName string, enabled bool) (*Provider, error) {
	if !enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and releases the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer scoped to name, e.g. the package calling it.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartNodeSpan starts a span for one node's execution, tagged with the
// identifiers that let an operator correlate a trace back to a run.
func StartNodeSpan(ctx context.Context, runID, nodeID, nodeType string) (context.Context, trace.Span) {
	return Tracer("attractor/graphengine").Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		),
	)
}
