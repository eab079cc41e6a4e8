package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := `
storage:
  type: local
`
	err := os.WriteFile(configFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, 50*time.Millisecond, cfg.Profiling.SamplingInterval)
	assert.Equal(t, time.Duration(0), cfg.Profiling.MinDuration)
	assert.Equal(t, 10*time.Second, cfg.Profiling.SessionDuration)
	assert.Equal(t, 60*time.Second, cfg.Profiling.SessionInterval)
	assert.Equal(t, []string{"*"}, cfg.Profiling.IncludedClasses)
	assert.Equal(t, DefaultExcludedClasses, cfg.Profiling.ExcludedClasses)
	assert.InDelta(t, 0.01, cfg.Profiling.PrunePercentage, 1e-9)
	assert.Equal(t, 16384, cfg.Profiling.ActivationQueueSize)
	assert.Equal(t, 5, cfg.Profiling.ThreadIDRetries)
	assert.Equal(t, time.Millisecond, cfg.Profiling.ThreadIDRetryDelay)
	assert.Equal(t, 64*1024, cfg.Reader.BufferSize)
	assert.False(t, cfg.Reader.UseMmap)
	assert.Equal(t, 4, cfg.Replay.Workers)
	assert.True(t, cfg.Replay.JavaFramesOnly)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Watch.Workers)
	assert.Equal(t, 64, cfg.Watch.QueueSize)
	assert.False(t, cfg.Watch.Results.Enabled())
	assert.Empty(t, cfg.Sources)
}

func TestLoad_CustomValues(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := `
profiling:
  sampling_interval: 10ms
  min_duration: 25ms
  session_duration: 0s
  included_classes: ["com.example.*"]
  excluded_classes: []
  prune_percentage: 0.05
reader:
  buffer_size: 4096
  use_mmap: true
replay:
  workers: 2
database:
  enabled: true
  type: postgres
  host: db.example.com
  port: 5432
  database: profiler
  user: admin
  password: secret
watch:
  workers: 3
  results:
    brokers: ["kafka-1:9092"]
    topic: profiler-results
sources:
  - type: kafka
    name: dumps
    enabled: true
    options:
      brokers: ["kafka-1:9092", "kafka-2:9092"]
      topic: profiler-dumps
`
	err := os.WriteFile(configFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, cfg.Profiling.SamplingInterval)
	assert.Equal(t, 25*time.Millisecond, cfg.Profiling.MinDuration)
	assert.False(t, cfg.Profiling.SessionsEnabled())
	assert.Equal(t, []string{"com.example.*"}, cfg.Profiling.IncludedClasses)
	assert.Empty(t, cfg.Profiling.ExcludedClasses)
	assert.InDelta(t, 0.05, cfg.Profiling.PrunePercentage, 1e-9)
	assert.Equal(t, 4096, cfg.Reader.BufferSize)
	assert.True(t, cfg.Reader.UseMmap)
	assert.Equal(t, 2, cfg.Replay.Workers)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "profiler", cfg.Database.Database)
	assert.Equal(t, 3, cfg.Watch.Workers)
	assert.True(t, cfg.Watch.Results.Enabled())
	assert.Equal(t, "profiler-results", cfg.Watch.Results.Topic)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "kafka", cfg.Sources[0].Type)
	assert.True(t, cfg.Sources[0].Enabled)
	assert.Equal(t, "profiler-dumps", cfg.Sources[0].Options["topic"])
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Profiling.SamplingInterval)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("SPANPROF_PROFILING_SAMPLING_INTERVAL", "20ms")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, cfg.Profiling.SamplingInterval)
}

func TestLoad_InvalidDatabaseType(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := `
database:
  enabled: true
  type: oracle
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	_, err := Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestLoadFromReader(t *testing.T) {
	content := []byte(`
profiling:
  sampling_interval: 5ms
log:
  level: debug
`)
	cfg, err := LoadFromReader("yaml", content)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.Profiling.SamplingInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 16384, cfg.Profiling.ActivationQueueSize)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Profiling.SessionsEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"zero interval", func(c *Config) { c.Profiling.SamplingInterval = 0 }, "sampling interval"},
		{"negative min duration", func(c *Config) { c.Profiling.MinDuration = -time.Second }, "min duration"},
		{"session longer than interval", func(c *Config) {
			c.Profiling.SessionDuration = 2 * time.Minute
		}, "exceeds session interval"},
		{"prune above one", func(c *Config) { c.Profiling.PrunePercentage = 1.5 }, "prune percentage"},
		{"empty queue", func(c *Config) { c.Profiling.ActivationQueueSize = 0 }, "queue size"},
		{"no retries", func(c *Config) { c.Profiling.ThreadIDRetries = 0 }, "retries"},
		{"tiny buffer", func(c *Config) { c.Reader.BufferSize = 8 }, "buffer size"},
		{"no workers", func(c *Config) { c.Replay.Workers = 0 }, "workers"},
		{"no watch workers", func(c *Config) { c.Watch.Workers = 0 }, "watch workers"},
		{"untyped source", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "dumps", Enabled: true}}
		}, "has no type"},
		{"sqlite without path", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Path = ""
		}, "path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
