// Package source provides the dump sources of the watch scheduler. Each
// source type (storage, kafka, http) announces dumps to replay through the
// DumpSource interface.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/span-profiler/pkg/config"
)

// SourceType defines the type of dump source.
type SourceType string

// DumpSource announces dumps that are ready to be replayed.
type DumpSource interface {
	// Type returns the source type.
	Type() SourceType

	// Name returns the instance name.
	Name() string

	// Start starts the source.
	Start(ctx context.Context) error

	// Stop stops the source gracefully.
	Stop() error

	// Events returns the channel announced dumps are delivered on.
	Events() <-chan *DumpEvent

	// Ack acknowledges that a dump was replayed.
	Ack(ctx context.Context, event *DumpEvent) error

	// Nack reports that replaying a dump failed with cause.
	Nack(ctx context.Context, event *DumpEvent, cause error) error

	// HealthCheck performs a health check on the source.
	HealthCheck(ctx context.Context) error
}

// SourceConfig holds the configuration for a dump source.
type SourceConfig struct {
	Type    SourceType
	Name    string
	Enabled bool
	Options map[string]interface{}
}

// FromConfig converts application source configs.
func FromConfig(cfgs []config.SourceConfig) []*SourceConfig {
	out := make([]*SourceConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, &SourceConfig{
			Type:    SourceType(c.Type),
			Name:    c.Name,
			Enabled: c.Enabled,
			Options: c.Options,
		})
	}
	return out
}

// GetString retrieves a string option with a default value.
func (c *SourceConfig) GetString(key, defaultValue string) string {
	if v, ok := c.Options[key].(string); ok {
		return v
	}
	return defaultValue
}

// GetInt retrieves an int option with a default value.
func (c *SourceConfig) GetInt(key string, defaultValue int) int {
	switch v := c.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

// GetDuration retrieves a duration option with a default value.
// Accepts a string such as "2s" or a number of seconds.
func (c *SourceConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	switch v := c.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return defaultValue
}

// GetBool retrieves a bool option with a default value.
func (c *SourceConfig) GetBool(key string, defaultValue bool) bool {
	if v, ok := c.Options[key].(bool); ok {
		return v
	}
	return defaultValue
}

// GetStringSlice retrieves a string slice option with a default value.
func (c *SourceConfig) GetStringSlice(key string, defaultValue []string) []string {
	switch v := c.Options[key].(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case string:
		return []string{v}
	}
	return defaultValue
}

// SourceCreator creates a DumpSource from configuration.
type SourceCreator func(cfg *SourceConfig, deps Deps) (DumpSource, error)

var (
	registry   = make(map[SourceType]SourceCreator)
	registryMu sync.RWMutex
)

// Register registers a source creator for a source type. It is called from
// the init function of each source implementation.
func Register(sourceType SourceType, creator SourceCreator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[sourceType] = creator
}

// RegisteredTypes returns all registered source types, sorted.
func RegisteredTypes() []SourceType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]SourceType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// CreateSource creates a DumpSource from the given configuration.
func CreateSource(cfg *SourceConfig, deps Deps) (DumpSource, error) {
	registryMu.RLock()
	creator, exists := registry[cfg.Type]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown source type: %s (registered types: %v)", cfg.Type, RegisteredTypes())
	}
	return creator(cfg, deps.withDefaults())
}

// CreateSources creates the enabled sources among configs.
func CreateSources(configs []*SourceConfig, deps Deps) ([]DumpSource, error) {
	var sources []DumpSource
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		src, err := CreateSource(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create source %q: %w", cfg.Name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}
