package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/compression"
	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/utils"
)

// SourceTypeStorage is the source type of the storage poller.
const SourceTypeStorage SourceType = "storage"

func init() {
	Register(SourceTypeStorage, NewStorageSource)
}

// StorageOptions holds storage poller configuration.
type StorageOptions struct {
	// Prefix restricts polling to keys under it.
	Prefix string

	PollInterval time.Duration

	// Suffixes are the dump name suffixes to pick up, matched after any
	// compression extension is dropped.
	Suffixes []string

	// DeleteOnAck removes a dump from storage once it has been replayed.
	DeleteOnAck bool

	BufferSize int
}

// DefaultStorageOptions returns the default options.
func DefaultStorageOptions() *StorageOptions {
	return &StorageOptions{
		PollInterval: 10 * time.Second,
		Suffixes:     []string{".jfr", ".traces"},
		BufferSize:   100,
	}
}

// StorageSource announces dumps that appear under a storage prefix. A key
// is announced once. A nacked key is announced again on a later poll unless
// its failure was permanent.
type StorageSource struct {
	name    string
	options *StorageOptions
	store   storage.Storage
	logger  utils.Logger

	eventChan chan *DumpEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	seen    map[string]struct{}
	running bool
	lastErr error
}

// NewStorageSource creates a storage poller from configuration.
func NewStorageSource(cfg *SourceConfig, deps Deps) (DumpSource, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage source %s requires a storage backend", cfg.Name)
	}
	defaults := DefaultStorageOptions()
	opts := &StorageOptions{
		Prefix:       cfg.GetString("prefix", ""),
		PollInterval: cfg.GetDuration("poll_interval", defaults.PollInterval),
		Suffixes:     cfg.GetStringSlice("suffixes", defaults.Suffixes),
		DeleteOnAck:  cfg.GetBool("delete_on_ack", false),
		BufferSize:   cfg.GetInt("buffer_size", defaults.BufferSize),
	}
	return NewStorageSourceWithDeps(cfg.Name, opts, deps.Storage, deps.Logger), nil
}

// NewStorageSourceWithDeps creates a storage poller with explicit options.
func NewStorageSourceWithDeps(name string, opts *StorageOptions, store storage.Storage, logger utils.Logger) *StorageSource {
	if opts == nil {
		opts = DefaultStorageOptions()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultStorageOptions().PollInterval
	}
	if len(opts.Suffixes) == 0 {
		opts.Suffixes = DefaultStorageOptions().Suffixes
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	return &StorageSource{
		name:      name,
		options:   opts,
		store:     store,
		logger:    utils.OrNull(logger),
		eventChan: make(chan *DumpEvent, opts.BufferSize),
		stopCh:    make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
}

func (s *StorageSource) Type() SourceType { return SourceTypeStorage }

func (s *StorageSource) Name() string { return s.name }

// Start polls once and then every poll interval.
func (s *StorageSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Storage source %s polling %q every %v", s.name, s.options.Prefix, s.options.PollInterval)

	s.wg.Add(1)
	go s.pollLoop(ctx)
	return nil
}

func (s *StorageSource) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			s.logger.Warn("Storage source %s poll failed: %v", s.name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// poll lists the prefix and announces every unseen dump key.
func (s *StorageSource) poll(ctx context.Context) error {
	keys, err := s.store.List(ctx, s.options.Prefix)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if !s.matches(key) || !s.markSeen(key) {
			continue
		}
		event := NewDumpEvent(key, key, SourceTypeStorage, s.name)
		select {
		case s.eventChan <- event:
			s.logger.Debug("Storage source %s found dump %s", s.name, key)
		case <-ctx.Done():
			s.forget(key)
			return ctx.Err()
		case <-s.stopCh:
			s.forget(key)
			return nil
		}
	}
	return nil
}

func (s *StorageSource) matches(key string) bool {
	name := compression.TrimExtension(key)
	for _, suffix := range s.options.Suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (s *StorageSource) markSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *StorageSource) forget(key string) {
	s.mu.Lock()
	delete(s.seen, key)
	s.mu.Unlock()
}

// Stop stops polling.
func (s *StorageSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *StorageSource) Events() <-chan *DumpEvent {
	return s.eventChan
}

// Ack keeps the key marked as seen, or deletes the dump when DeleteOnAck
// is set. A deleted key is forgotten since it can no longer be listed.
func (s *StorageSource) Ack(ctx context.Context, event *DumpEvent) error {
	if !s.options.DeleteOnAck {
		s.logger.Debug("Storage source %s acked dump %s", s.name, event.Key)
		return nil
	}
	if err := s.store.Delete(ctx, event.Key); err != nil {
		return fmt.Errorf("failed to delete replayed dump %s: %w", event.Key, err)
	}
	s.forget(event.Key)
	s.logger.Debug("Storage source %s deleted replayed dump %s", s.name, event.Key)
	return nil
}

// Nack forgets the key so the next poll announces it again. A dump that
// failed permanently stays seen; replaying it again cannot succeed.
func (s *StorageSource) Nack(ctx context.Context, event *DumpEvent, cause error) error {
	if apperrors.Permanent(cause) {
		s.logger.Error("Storage source %s dropped dump %s [%s]: %v", s.name, event.Key, apperrors.CodeOf(cause), cause)
		return nil
	}
	s.logger.Warn("Storage source %s nacked dump %s: %v", s.name, event.Key, cause)
	s.forget(event.Key)
	return nil
}

// HealthCheck reports the error of the last poll.
func (s *StorageSource) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("storage source %s is not running", s.name)
	}
	if s.lastErr != nil {
		return fmt.Errorf("storage source %s: %w", s.name, s.lastErr)
	}
	return nil
}
