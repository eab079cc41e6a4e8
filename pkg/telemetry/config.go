package telemetry

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultServiceName is the service name reported when OTEL_SERVICE_NAME is unset.
const DefaultServiceName = "span-profiler"

// Config is the tracing setup read from the OTEL_* environment.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// Endpoint may carry an http:// or https:// scheme; see parseEndpoint.
	Endpoint string
	// Protocol is grpc or http/protobuf.
	Protocol string
	Headers  map[string]string
	Insecure bool
	// ExportTimeout bounds a single OTLP export. Zero keeps the exporter default.
	ExportTimeout time.Duration

	Sampler    string
	SamplerArg string

	// Batch span processor tuning; zero keeps the SDK defaults.
	BatchTimeout       time.Duration
	MaxQueueSize       int
	MaxExportBatchSize int

	ResourceAttrs map[string]string
}

// LoadFromEnv reads Config from the process environment.
func LoadFromEnv() *Config {
	return &Config{
		Enabled:            envBool("OTEL_ENABLED"),
		ServiceName:        envString("OTEL_SERVICE_NAME", DefaultServiceName),
		ServiceVersion:     envString("OTEL_SERVICE_VERSION", "unknown"),
		Endpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Protocol:           envString("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		Headers:            parseKeyValuePairs(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:           envBool("OTEL_EXPORTER_OTLP_INSECURE"),
		ExportTimeout:      envMillis("OTEL_EXPORTER_OTLP_TIMEOUT"),
		Sampler:            os.Getenv("OTEL_TRACES_SAMPLER"),
		SamplerArg:         os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		BatchTimeout:       envMillis("OTEL_BSP_SCHEDULE_DELAY"),
		MaxQueueSize:       envInt("OTEL_BSP_MAX_QUEUE_SIZE"),
		MaxExportBatchSize: envInt("OTEL_BSP_MAX_EXPORT_BATCH_SIZE"),
		ResourceAttrs:      parseKeyValuePairs(os.Getenv("OTEL_RESOURCE_ATTRIBUTES")),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// envInt returns 0 for unset, malformed or negative values.
func envInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// envMillis reads a duration given in milliseconds, as the OTEL_* timeouts are.
func envMillis(key string) time.Duration {
	return time.Duration(envInt(key)) * time.Millisecond
}

// parseKeyValuePairs parses the "k1=v1,k2=v2" form used by
// OTEL_EXPORTER_OTLP_HEADERS and OTEL_RESOURCE_ATTRIBUTES. Values may
// contain '='; entries without a key are dropped.
func parseKeyValuePairs(s string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		result[k] = strings.TrimSpace(v)
	}
	return result
}
