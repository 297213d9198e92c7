package obs

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Output receives pretty printed spans; nil discards them.
	Output io.Writer
}

// Tracing owns the process tracer provider.
type Tracing struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
}

// NewTracing installs a global tracer provider. When tracing is disabled a
// no-op provider is installed and nothing is exported.
func NewTracing(cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		p := noop.NewTracerProvider()
		otel.SetTracerProvider(p)
		return &Tracing{provider: p, shutdown: func(context.Context) error { return nil }}, nil
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)
	p := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p)
	return &Tracing{provider: p, shutdown: p.Shutdown}, nil
}

func (t *Tracing) Tracer(name string) trace.Tracer { return t.provider.Tracer(name) }

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error { return t.shutdown(ctx) }
