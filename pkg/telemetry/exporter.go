package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"google.golang.org/grpc/credentials/insecure"
)

// endpoint strips the scheme from an OTLP endpoint. plaintext reports an
// http:// endpoint or an explicitly insecure configuration.
type endpoint struct {
	hostPort  string
	plaintext bool
}

func parseEndpoint(cfg *Config) endpoint {
	e := endpoint{hostPort: cfg.Endpoint, plaintext: cfg.Insecure}
	switch {
	case strings.HasPrefix(e.hostPort, "https://"):
		e.hostPort = strings.TrimPrefix(e.hostPort, "https://")
	case strings.HasPrefix(e.hostPort, "http://"):
		e.hostPort = strings.TrimPrefix(e.hostPort, "http://")
		e.plaintext = true
	}
	e.hostPort = strings.TrimSuffix(e.hostPort, "/")
	return e
}

// createExporter creates an OTLP trace exporter for the configured protocol.
func createExporter(ctx context.Context, cfg *Config) (*otlptrace.Exporter, error) {
	ep := parseEndpoint(cfg)

	switch strings.ToLower(cfg.Protocol) {
	case "http/protobuf", "http":
		var opts []otlptracehttp.Option
		if ep.hostPort != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(ep.hostPort))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if ep.plaintext {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)

	case "grpc", "":
		var opts []otlptracegrpc.Option
		if ep.hostPort != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(ep.hostPort))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if ep.plaintext {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracegrpc.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", cfg.Protocol)
	}
}
