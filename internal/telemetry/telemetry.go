// Package telemetry provides OpenTelemetry tracing for the orchestrator.
// When disabled, all operations are no-ops with zero overhead. Metrics stay
// on Prometheus; this package only carries traces.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope name for orchestrator traces.
const TracerName = "feedsync"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider wraps the tracer provider with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	shutdown       func(context.Context) error
}

// Init sets up tracing with the given config. Returns a Provider that must
// be Shutdown() on exit. If cfg.Enabled is false, returns a no-op provider.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "feedsync"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		shutdown:       tp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }

// Standard attribute keys for orchestrator spans.
var (
	AttrIntegrationID = attribute.Key("feedsync.integration.id")
	AttrQueue         = attribute.Key("feedsync.queue")
	AttrStep          = attribute.Key("feedsync.step")
	AttrWorkerID      = attribute.Key("feedsync.worker.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartConsumerSpan starts a span for ticket handling pulled off a queue.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
