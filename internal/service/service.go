// Package service runs the watch service: it replays dumps announced by the
// configured sources as they arrive.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/span-profiler/internal/replay"
	"github.com/span-profiler/internal/repository"
	"github.com/span-profiler/internal/scheduler"
	"github.com/span-profiler/internal/scheduler/source"
	"github.com/span-profiler/internal/spans"
	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/config"
	"github.com/span-profiler/pkg/telemetry"
	"github.com/span-profiler/pkg/utils"
)

// Service is the watch service.
type Service struct {
	config *config.Config
	logger utils.Logger

	db             *repository.Repositories
	storage        storage.Storage
	tracerProvider *sdktrace.TracerProvider
	processors     []sdktrace.SpanProcessor
	publisher      scheduler.ResultPublisher
	aggregator     *source.Aggregator
	scheduler      *scheduler.Scheduler
	debug          *DebugServer

	mu      sync.Mutex
	running bool
}

// Option configures a Service.
type Option func(*Service)

// WithStorage uses store instead of the configured storage backend.
func WithStorage(store storage.Storage) Option {
	return func(s *Service) { s.storage = store }
}

// WithSpanProcessors adds processors receiving every inferred span.
func WithSpanProcessors(processors ...sdktrace.SpanProcessor) Option {
	return func(s *Service) { s.processors = append(s.processors, processors...) }
}

// New creates a new Service instance.
func New(cfg *config.Config, logger utils.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = utils.NewDefaultLogger(utils.LevelInfo, nil)
	}

	s := &Service{
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize initializes all service components.
func (s *Service) Initialize(ctx context.Context) error {
	s.logger.Info("Initializing service components...")

	if err := s.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := s.initTracing(ctx); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if err := s.initScheduler(); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	s.logger.Info("Service components initialized successfully")
	return nil
}

// initDatabase opens the session database when it is enabled.
func (s *Service) initDatabase() error {
	if !s.config.Database.Enabled {
		s.logger.Info("Session database disabled")
		return nil
	}

	s.logger.Info("Connecting to database (%s)...", s.config.Database.Type)
	repos, err := repository.Open(&s.config.Database)
	if err != nil {
		return err
	}
	s.db = repos
	s.logger.Info("Database connection established")
	return nil
}

func (s *Service) initStorage() error {
	if s.storage != nil {
		return nil
	}

	s.logger.Info("Initializing storage (%s)...", s.config.Storage.Type)
	store, err := storage.NewStorage(&s.config.Storage)
	if err != nil {
		return err
	}
	s.storage = store
	s.logger.Info("Storage initialized")
	return nil
}

func (s *Service) initTracing(ctx context.Context) error {
	tp, err := telemetry.NewTracerProvider(ctx, telemetry.GetConfig(), s.processors...)
	if err != nil {
		return err
	}
	s.tracerProvider = tp
	return nil
}

func (s *Service) initScheduler() error {
	s.logger.Info("Initializing scheduler...")

	if err := s.initSources(); err != nil {
		return fmt.Errorf("failed to initialize sources: %w", err)
	}

	opts := []replay.Option{replay.WithLogger(s.logger)}
	if s.db != nil {
		opts = append(opts, replay.WithRepository(s.db.Session))
	}
	replayer := replay.New(replay.FromConfig(s.config), s.tracerProvider.Tracer(spans.InstrumentationName), opts...)

	if results := s.config.Watch.Results; results.Enabled() {
		s.logger.Info("Publishing replay results to %s", results.Topic)
		s.publisher = scheduler.NewKafkaPublisher(results.Brokers, results.Topic)
	}

	processor := scheduler.NewReplayProcessor(&scheduler.ProcessorConfig{
		Storage:   s.storage,
		Replayer:  replayer,
		Publisher: s.publisher,
		WorkDir:   s.config.Watch.WorkDir,
		Logger:    s.logger,
	})

	s.scheduler = scheduler.New(scheduler.FromConfig(&s.config.Watch), s.aggregator, processor, s.logger)

	s.logger.Info("Scheduler initialized")
	return nil
}

// initSources creates the enabled sources. Without any, the storage backend
// is polled at its root.
func (s *Service) initSources() error {
	s.logger.Info("Initializing dump sources...")

	configs := source.FromConfig(s.config.Sources)
	enabled := 0
	for _, c := range configs {
		if c.Enabled {
			enabled++
		} else {
			s.logger.Info("Source %s (%s) is disabled, skipping", c.Name, c.Type)
		}
	}
	if enabled == 0 {
		s.logger.Info("No sources configured, polling storage")
		configs = append(configs, &source.SourceConfig{
			Type:    source.SourceTypeStorage,
			Name:    "default-storage",
			Enabled: true,
		})
	}

	sources, err := source.CreateSources(configs, source.Deps{Storage: s.storage, Logger: s.logger})
	if err != nil {
		return err
	}

	s.aggregator = source.NewAggregator(sources, s.config.Watch.QueueSize, s.logger)

	s.logger.Info("Initialized %d dump sources", len(sources))
	for _, src := range sources {
		s.logger.Info("  - %s (%s)", src.Name(), src.Type())
	}
	return nil
}

// Start starts the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return errors.New("service is not initialized")
	}

	s.logger.Info("Starting service...")
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if s.config.Watch.Debug.Addr != "" {
		s.debug = NewDebugServer(s.config.Watch.Debug, s, s.logger)
		if err := s.debug.Start(); err != nil {
			s.scheduler.Stop()
			s.debug = nil
			return fmt.Errorf("failed to start debug endpoint: %w", err)
		}
	}

	s.running = true
	s.logger.Info("Service started successfully")
	return nil
}

// Stop stops the service gracefully, flushing pending spans.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping service...")

	var errs []error
	if s.debug != nil {
		if err := s.debug.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop debug endpoint: %w", err))
		}
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.aggregator != nil {
		if err := s.aggregator.Stop(); err != nil {
			s.logger.Error("Failed to stop aggregator: %v", err)
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close result publisher: %w", err))
		}
	}
	if s.tracerProvider != nil {
		if err := s.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush spans: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database connection: %w", err))
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DebugAddr returns the address of the debug endpoint, or nil when it is
// not running.
func (s *Service) DebugAddr() net.Addr {
	if s.debug == nil {
		return nil
	}
	return s.debug.Addr()
}

// Stats returns service statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{Running: s.IsRunning()}
	if s.scheduler != nil {
		stats.Scheduler = s.scheduler.Stats()
	}
	if s.aggregator != nil {
		stats.Sources = s.aggregator.SourceCount()
		stats.Intake = s.aggregator.Stats()
	}
	return stats
}

// HealthCheck checks the database and every source.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}
	if s.aggregator != nil {
		if err := s.aggregator.HealthCheck(ctx); err != nil {
			return fmt.Errorf("source health check failed: %w", err)
		}
	}
	return nil
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	Running   bool                     `json:"running"`
	Sources   int                      `json:"sources"`
	Intake    []source.SourceStats     `json:"intake"`
	Scheduler scheduler.SchedulerStats `json:"scheduler"`
}
