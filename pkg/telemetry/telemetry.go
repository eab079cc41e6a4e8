// Package telemetry bootstraps OpenTelemetry tracing for the profiler.
//
// Inferred spans and the profiler's own spans are exported through OTLP when
// tracing is enabled. Configuration comes from the standard environment
// variables:
//
//	OTEL_ENABLED                    - Enable/disable OTLP export (default: false)
//	OTEL_SERVICE_NAME               - Service name (default: span-profiler)
//	OTEL_SERVICE_VERSION            - Service version (default: unknown)
//	OTEL_EXPORTER_OTLP_ENDPOINT     - OTLP collector endpoint
//	OTEL_EXPORTER_OTLP_PROTOCOL     - Protocol: grpc or http/protobuf (default: grpc)
//	OTEL_EXPORTER_OTLP_HEADERS      - Headers for authentication (e.g., Authorization=Bearer xxx)
//	OTEL_EXPORTER_OTLP_INSECURE     - Use insecure connection (default: false)
//	OTEL_EXPORTER_OTLP_TIMEOUT      - Export timeout in milliseconds
//	OTEL_TRACES_SAMPLER             - Sampler type (default: always_on)
//	OTEL_TRACES_SAMPLER_ARG         - Sampler argument (e.g., ratio)
//	OTEL_BSP_SCHEDULE_DELAY         - Batch delay in milliseconds
//	OTEL_BSP_MAX_QUEUE_SIZE         - Batch queue size
//	OTEL_BSP_MAX_EXPORT_BATCH_SIZE  - Spans per export
//	OTEL_RESOURCE_ATTRIBUTES        - Additional resource attributes
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	globalConfig *Config
	configOnce   sync.Once
)

// ShutdownFunc is a function that shuts down the TracerProvider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(_ context.Context) error {
	return nil
}

// NewTracerProvider creates a TracerProvider for cfg. When cfg.Enabled is
// set spans are batched to an OTLP exporter. Extra processors receive every
// span regardless, so a provider with tracing disabled still produces valid
// span contexts.
func NewTracerProvider(ctx context.Context, cfg *Config, processors ...sdktrace.SpanProcessor) (*sdktrace.TracerProvider, error) {
	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg)),
	}
	if cfg.Enabled {
		exporter, err := createExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batchOptions(cfg)...))
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func batchOptions(cfg *Config) []sdktrace.BatchSpanProcessorOption {
	var opts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		opts = append(opts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.MaxQueueSize > 0 {
		opts = append(opts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.MaxExportBatchSize > 0 {
		opts = append(opts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	return opts
}

// Init sets up the global TracerProvider from the environment. If
// OTEL_ENABLED is not "true", it returns a no-op shutdown function and the
// global provider stays the default no-op provider.
func Init(ctx context.Context) (ShutdownFunc, error) {
	cfg := loadConfig()
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	tp, err := NewTracerProvider(ctx, cfg)
	if err != nil {
		return noopShutdown, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Enabled returns whether OpenTelemetry tracing is enabled.
func Enabled() bool {
	return loadConfig().Enabled
}

// GetConfig returns the current telemetry configuration.
func GetConfig() *Config {
	return loadConfig()
}

func loadConfig() *Config {
	configOnce.Do(func() {
		globalConfig = LoadFromEnv()
	})
	return globalConfig
}
