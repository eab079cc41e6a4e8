package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		cfg       Config
		hostPort  string
		plaintext bool
	}{
		{Config{Endpoint: "https://collector:4317"}, "collector:4317", false},
		{Config{Endpoint: "http://collector:4318/"}, "collector:4318", true},
		{Config{Endpoint: "collector:4317", Insecure: true}, "collector:4317", true},
		{Config{}, "", false},
	}

	for _, tt := range tests {
		ep := parseEndpoint(&tt.cfg)
		assert.Equal(t, tt.hostPort, ep.hostPort, tt.cfg.Endpoint)
		assert.Equal(t, tt.plaintext, ep.plaintext, tt.cfg.Endpoint)
	}
}

func TestCreateExporter(t *testing.T) {
	ctx := context.Background()

	for _, protocol := range []string{"grpc", "http/protobuf"} {
		t.Run(protocol, func(t *testing.T) {
			exp, err := createExporter(ctx, &Config{Protocol: protocol, Endpoint: "http://localhost:4317"})
			require.NoError(t, err)
			require.NotNil(t, exp)
			assert.NoError(t, exp.Shutdown(ctx))
		})
	}

	_, err := createExporter(ctx, &Config{Protocol: "thrift"})
	assert.Error(t, err)
}
