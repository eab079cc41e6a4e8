// Package scheduler replays dumps announced by sources on a bounded worker
// pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/span-profiler/internal/replay"
	"github.com/span-profiler/internal/scheduler/source"
	"github.com/span-profiler/pkg/config"
	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/utils"
)

// Processor replays one announced dump.
type Processor interface {
	Process(ctx context.Context, event *source.DumpEvent) (*replay.Result, error)
}

// EventSource delivers dump events and takes their acknowledgements.
// *source.Aggregator implements it.
type EventSource interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan *source.DumpEvent
	Ack(ctx context.Context, event *source.DumpEvent) error
	Nack(ctx context.Context, event *source.DumpEvent, cause error) error
}

// ErrQueueFull is the nack cause of an event that found no room in the queue.
var ErrQueueFull = apperrors.New(apperrors.CodeResourceError, "dump queue full")

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	WorkerCount int // Number of concurrent replays
	QueueSize   int // Events waiting for a worker
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WorkerCount: 2,
		QueueSize:   64,
	}
}

// FromConfig creates scheduler config from application config.
func FromConfig(cfg *config.WatchConfig) *SchedulerConfig {
	return &SchedulerConfig{
		WorkerCount: cfg.Workers,
		QueueSize:   cfg.QueueSize,
	}
}

// Scheduler pulls dump events, queues them, and replays them on a worker
// pool. A replayed dump is acked with its source; a failed one, or one that
// finds the queue full, is nacked. A stopped Scheduler can be started again.
type Scheduler struct {
	config    *SchedulerConfig
	events    EventSource
	processor Processor
	logger    utils.Logger

	workerPool chan struct{}          // Semaphore for worker count
	queue      chan *source.DumpEvent // Events waiting for a worker
	wg         sync.WaitGroup         // Running replays

	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	loops   sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg *SchedulerConfig, events EventSource, processor Processor, logger utils.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	return &Scheduler{
		config:    cfg,
		events:    events,
		processor: processor,
		logger:    utils.OrNull(logger),
		queue:     make(chan *source.DumpEvent, cfg.QueueSize),
	}
}

// Start starts the event source and the scheduling loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.workerPool = make(chan struct{}, s.config.WorkerCount)
	for i := 0; i < s.config.WorkerCount; i++ {
		s.workerPool <- struct{}{}
	}
	s.mu.Unlock()

	s.logger.Info("Starting scheduler with %d workers", s.config.WorkerCount)

	if err := s.events.Start(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.loops.Add(2)
	go s.eventLoop(ctx)
	go s.processLoop(ctx)
	return nil
}

// Stop stops the event source and waits for running replays.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler...")
	close(s.stopCh)

	if err := s.events.Stop(); err != nil {
		s.logger.Error("Failed to stop sources: %v", err)
	}
	s.loops.Wait()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// eventLoop moves events from the source into the queue.
func (s *Scheduler) eventLoop(ctx context.Context) {
	defer s.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.events.Events():
			if !ok {
				s.logger.Info("Event channel closed")
				return
			}

			select {
			case s.queue <- event:
				s.logger.Debug("Queued dump %s from source %s/%s", event.Key, event.SourceType, event.SourceName)
			default:
				s.rejected.Add(1)
				s.logger.Warn("Dump queue full, nacking %s", event.Key)
				if err := s.events.Nack(ctx, event, ErrQueueFull); err != nil {
					s.logger.Error("Failed to nack %s: %v", event.Key, err)
				}
			}
		}
	}
}

// processLoop hands queued events to free workers.
func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.loops.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event := <-s.queue:
			select {
			case <-s.workerPool:
				s.wg.Add(1)
				go s.process(ctx, event)
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Scheduler) process(ctx context.Context, event *source.DumpEvent) {
	defer func() {
		s.workerPool <- struct{}{}
		s.wg.Done()
	}()

	log := s.logger.WithFields(map[string]interface{}{
		"key":    event.Key,
		"source": string(event.SourceType) + "/" + event.SourceName,
	})
	log.Info("Replaying dump")

	start := time.Now()
	res, err := s.replay(ctx, event)
	elapsed := time.Since(start)

	if err != nil {
		s.failed.Add(1)
		log.Error("Replay failed after %v [%s, permanent=%t]: %v", elapsed, apperrors.CodeOf(err), apperrors.Permanent(err), err)
		if nerr := s.events.Nack(ctx, event, err); nerr != nil {
			log.Error("Failed to nack: %v", nerr)
		}
		return
	}

	s.processed.Add(1)
	log.Info("Replayed %d samples into %d spans in %v", res.Samples, res.Spans, elapsed)
	if aerr := s.events.Ack(ctx, event); aerr != nil {
		log.Error("Failed to ack: %v", aerr)
	}
}

// replay runs the processor, turning a panic into a format error: the dump
// that caused it would fail the same way again.
func (s *Scheduler) replay(ctx context.Context, event *source.DumpEvent) (res *replay.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = apperrors.Wrap(apperrors.CodeFormatError, "replay panicked", fmt.Errorf("%v", r))
		}
	}()
	return s.processor.Process(ctx, event)
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	running := s.running
	idle := len(s.workerPool)
	s.mu.Unlock()

	active := 0
	if running {
		active = s.config.WorkerCount - idle
	}
	return SchedulerStats{
		ActiveWorkers: active,
		TotalWorkers:  s.config.WorkerCount,
		QueuedDumps:   len(s.queue),
		Processed:     s.processed.Load(),
		Failed:        s.failed.Load(),
		Rejected:      s.rejected.Load(),
		Running:       running,
	}
}

// SchedulerStats holds scheduler statistics.
type SchedulerStats struct {
	ActiveWorkers int   `json:"active_workers"`
	TotalWorkers  int   `json:"total_workers"`
	QueuedDumps   int   `json:"queued_dumps"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	Rejected      int64 `json:"rejected"`
	Running       bool  `json:"running"`
}
