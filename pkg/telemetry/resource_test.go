package telemetry

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

func TestBuildResource(t *testing.T) {
	cfg := &Config{
		ServiceName:    "span-profiler-test",
		ServiceVersion: "0.1.0",
		ResourceAttrs:  map[string]string{"deployment.environment": "test"},
	}

	res, err := buildResource(context.Background(), cfg)
	require.NoError(t, err)

	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "span-profiler-test", values[string(semconv.ServiceNameKey)])
	assert.Equal(t, "0.1.0", values[string(semconv.ServiceVersionKey)])
	assert.Equal(t, "test", values["deployment.environment"])
}

func TestHostIPs(t *testing.T) {
	ips := hostIPs()
	if len(ips) == 0 {
		t.Skip("no non-loopback interface available")
	}
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		require.NotNil(t, parsed, ip)
		assert.False(t, parsed.IsLoopback())
	}
}
