package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Options configures InitTracer.
type Options struct {
	ServiceName string
	Enabled     bool
	// Writer receives exported spans; nil means stdout.
	Writer io.Writer
	Logger *zap.Logger
}

// InitTracer configures a simple stdout tracer suitable for local
// development. When disabled the global no-op provider stays in place.
func InitTracer(ctx context.Context, opts Options) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled {
		return noop
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if opts.Writer != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(opts.Writer))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		logger.Warn("telemetry exporter init failed", zap.Error(err))
		return noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
		)),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown
}
