// Package config provides configuration management for the span profiler.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. SPANPROF_PROFILING_SAMPLING_INTERVAL.
const EnvPrefix = "SPANPROF"

// Config holds all configuration for the application.
type Config struct {
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Reader    ReaderConfig    `mapstructure:"reader"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ProfilingConfig holds sampling and call tree settings.
type ProfilingConfig struct {
	SamplingInterval    time.Duration `mapstructure:"sampling_interval"`
	MinDuration         time.Duration `mapstructure:"min_duration"`
	SessionDuration     time.Duration `mapstructure:"session_duration"`
	SessionInterval     time.Duration `mapstructure:"session_interval"`
	IncludedClasses     []string      `mapstructure:"included_classes"`
	ExcludedClasses     []string      `mapstructure:"excluded_classes"`
	PrunePercentage     float64       `mapstructure:"prune_percentage"`
	ActivationQueueSize int           `mapstructure:"activation_queue_size"`
	ThreadIDRetries     int           `mapstructure:"thread_id_retries"`
	ThreadIDRetryDelay  time.Duration `mapstructure:"thread_id_retry_delay"`
}

// ReaderConfig holds trace dump reader settings.
type ReaderConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	UseMmap    bool `mapstructure:"use_mmap"`
}

// ReplayConfig holds dump replay settings.
type ReplayConfig struct {
	Workers        int  `mapstructure:"workers"`
	JavaFramesOnly bool `mapstructure:"java_frames_only"`
}

// DatabaseConfig holds session bookkeeping database configuration.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"` // sqlite, postgres or mysql
	Path     string `mapstructure:"path"` // sqlite only
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

// StorageConfig holds dump storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`     // e.g., "myqcloud.com"
	Scheme    string `mapstructure:"scheme"`     // e.g., "https" or "http"
	LocalPath string `mapstructure:"local_path"` // for local storage
}

// WatchConfig holds settings of the watch service, which replays dumps
// announced by its sources.
type WatchConfig struct {
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
	WorkDir   string `mapstructure:"work_dir"`

	// Results publishes a summary of every replayed dump to Kafka.
	Results ResultsConfig `mapstructure:"results"`

	// Debug serves runtime profiles and service state over HTTP.
	Debug DebugConfig `mapstructure:"debug"`
}

// DebugConfig holds the debug endpoint settings. An empty address disables
// the endpoint.
type DebugConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"` // required as a bearer token when set
}

// ResultsConfig holds the Kafka destination of replay summaries.
type ResultsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether summaries are published.
func (c ResultsConfig) Enabled() bool {
	return c.Topic != "" && len(c.Brokers) > 0
}

// SourceConfig describes one dump source of the watch service.
type SourceConfig struct {
	Type    string                 `mapstructure:"type"` // storage, kafka or http
	Name    string                 `mapstructure:"name"`
	Enabled bool                   `mapstructure:"enabled"`
	Options map[string]interface{} `mapstructure:"options"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"` // empty means stdout
}

// DefaultExcludedClasses are framework and JDK packages whose frames never become inferred spans.
var DefaultExcludedClasses = []string{
	"(?-i)java.*",
	"(?-i)javax.*",
	"(?-i)sun.*",
	"(?-i)com.sun.*",
	"(?-i)jdk.*",
	"(?-i)org.apache.tomcat.*",
	"(?-i)org.apache.catalina.*",
	"(?-i)org.apache.coyote.*",
	"(?-i)org.jboss.as.*",
	"(?-i)org.glassfish.*",
	"(?-i)org.eclipse.jetty.*",
	"(?-i)com.ibm.websphere.*",
	"(?-i)io.undertow.*",
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/span-profiler")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file, defaults and environment only.
		} else if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Config file %s not found, using defaults\n", configPath)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := newViper()

	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults alone.
func Default() *Config {
	v := newViper()
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Profiling defaults
	v.SetDefault("profiling.sampling_interval", 50*time.Millisecond)
	v.SetDefault("profiling.min_duration", time.Duration(0))
	v.SetDefault("profiling.session_duration", 10*time.Second)
	v.SetDefault("profiling.session_interval", 60*time.Second)
	v.SetDefault("profiling.included_classes", []string{"*"})
	v.SetDefault("profiling.excluded_classes", DefaultExcludedClasses)
	v.SetDefault("profiling.prune_percentage", 0.01)
	v.SetDefault("profiling.activation_queue_size", 16384)
	v.SetDefault("profiling.thread_id_retries", 5)
	v.SetDefault("profiling.thread_id_retry_delay", time.Millisecond)

	// Reader defaults
	v.SetDefault("reader.buffer_size", 64*1024)
	v.SetDefault("reader.use_mmap", false)

	// Replay defaults
	v.SetDefault("replay.workers", 4)
	v.SetDefault("replay.java_frames_only", true)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./span-profiler.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_conns", 10)

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./storage")

	// Watch defaults
	v.SetDefault("watch.workers", 2)
	v.SetDefault("watch.queue_size", 64)
	v.SetDefault("watch.work_dir", os.TempDir())

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_path", "")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	p := c.Profiling
	if p.SamplingInterval <= 0 {
		return fmt.Errorf("sampling interval must be positive")
	}
	if p.MinDuration < 0 {
		return fmt.Errorf("min duration must not be negative")
	}
	if p.SessionDuration < 0 || p.SessionInterval < 0 {
		return fmt.Errorf("session duration and interval must not be negative")
	}
	if p.SessionDuration > 0 && p.SessionInterval > 0 && p.SessionDuration > p.SessionInterval {
		return fmt.Errorf("session duration %s exceeds session interval %s", p.SessionDuration, p.SessionInterval)
	}
	if p.PrunePercentage < 0 || p.PrunePercentage > 1 {
		return fmt.Errorf("prune percentage must be within [0, 1], got %v", p.PrunePercentage)
	}
	if p.ActivationQueueSize < 1 {
		return fmt.Errorf("activation queue size must be at least 1")
	}
	if p.ThreadIDRetries < 1 {
		return fmt.Errorf("thread id retries must be at least 1")
	}
	if p.ThreadIDRetryDelay < 0 {
		return fmt.Errorf("thread id retry delay must not be negative")
	}

	if c.Reader.BufferSize < 64 {
		return fmt.Errorf("reader buffer size must be at least 64 bytes")
	}

	if c.Replay.Workers < 1 {
		return fmt.Errorf("replay workers must be at least 1")
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite":
			if c.Database.Path == "" {
				return fmt.Errorf("database path is required for sqlite")
			}
		case "postgres", "mysql":
			if c.Database.Host == "" {
				return fmt.Errorf("database host is required")
			}
		default:
			return fmt.Errorf("unsupported database type: %s", c.Database.Type)
		}
	}

	if c.Watch.Workers < 1 {
		return fmt.Errorf("watch workers must be at least 1")
	}
	if c.Watch.QueueSize < 1 {
		return fmt.Errorf("watch queue size must be at least 1")
	}
	for i, src := range c.Sources {
		if src.Type == "" {
			return fmt.Errorf("source %d has no type", i)
		}
	}

	// Storage config validation is delegated to storage package

	return nil
}

// SessionsEnabled reports whether sampling alternates between active and idle windows.
func (p ProfilingConfig) SessionsEnabled() bool {
	return p.SessionDuration > 0 && p.SessionInterval > 0
}
