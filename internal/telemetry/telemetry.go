// Package telemetry wires the OpenTelemetry tracer provider described in
// SPEC_FULL.md's ambient stack: one span per search, one child span per
// iteration, one child span per tool call. The teacher's cmd/gateway.go
// gates its own OTel exporter behind a build tag and a traceCollector it
// feeds manually (internal/agent/loop_tracing.go); here the same
// TelemetryConfig shape instead drives the OTel SDK directly, since this
// module's tracing is the OTel SDK itself rather than a bridged custom
// collector.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/rlmsearch/internal/config"
)

const instrumentationName = "github.com/nextlevelbuilder/rlmsearch"

// tracer is package-level and always non-nil: before Init runs (or when
// telemetry is disabled), it's the otel global's no-op tracer, so every
// call site in internal/agent and internal/tools can call Tracer().Start
// unconditionally.
var tracer trace.Tracer = otel.Tracer(instrumentationName)

// Init builds and installs a TracerProvider from cfg. When cfg.Enabled is
// false it leaves the no-op global tracer in place and returns a shutdown
// func that does nothing. The returned shutdown func flushes and closes the
// exporter; callers defer it from process startup.
func Init(ctx context.Context, cfg config.TelemetryConfig) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	client, err := newExporterClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter client: %w", err)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "rlmsearchd"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	tracer = provider.Tracer(instrumentationName)

	return provider.Shutdown, nil
}

// newExporterClient selects a gRPC or HTTP OTLP client per cfg.Protocol,
// defaulting to gRPC — the teacher's TelemetryConfig.Protocol doc comment
// lists "grpc" as the default transport.
func newExporterClient(cfg config.TelemetryConfig) (otlptrace.Client, error) {
	switch cfg.Protocol {
	case "http", "http/protobuf":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.NewClient(opts...), nil
	case "grpc", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unrecognized telemetry protocol %q", cfg.Protocol)
	}
}

// Tracer returns the process-wide tracer. Safe to call before Init, and
// safe to hold onto across an Init call since Init reassigns the same
// package variable rather than requiring callers to re-fetch it — in
// practice every call site fetches fresh via Tracer() anyway.
func Tracer() trace.Tracer {
	return tracer
}
