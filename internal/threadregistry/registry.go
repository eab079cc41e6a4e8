// Package threadregistry maps runtime thread handles to native thread ids.
//
// Entries are kept in an explicit map and removed either when a thread is
// retired or by a Reap sweep over handles that are no longer alive.
package threadregistry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/utils"
)

// Handle identifies a runtime thread for the lifetime of that thread.
type Handle uint64

// NativeIDSource asks the profiling subsystem for a thread's native id.
// It returns ErrNotAssigned while the id is not yet known.
type NativeIDSource interface {
	NativeThreadID(ctx context.Context, h Handle) (int64, error)
}

// NativeIDSourceFunc adapts a function to NativeIDSource.
type NativeIDSourceFunc func(ctx context.Context, h Handle) (int64, error)

// NativeThreadID calls f.
func (f NativeIDSourceFunc) NativeThreadID(ctx context.Context, h Handle) (int64, error) {
	return f(ctx, h)
}

// ErrNotAssigned is returned by a NativeIDSource when the id is not available yet.
var ErrNotAssigned = errors.New("native thread id not assigned yet")

// Config configures a Registry.
type Config struct {
	Retries    int
	RetryDelay time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{Retries: 5, RetryDelay: time.Millisecond}
}

// Registry caches native thread ids. It is safe for concurrent use.
type Registry struct {
	source NativeIDSource
	clock  utils.Clock
	logger utils.Logger
	config Config

	mu  sync.RWMutex
	ids map[Handle]int64
}

// New creates a Registry.
func New(source NativeIDSource, config Config, clock utils.Clock, logger utils.Logger) *Registry {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if config.Retries < 1 {
		config.Retries = 1
	}
	return &Registry{
		source: source,
		clock:  clock,
		logger: utils.OrNull(logger),
		config: config,
		ids:    make(map[Handle]int64),
	}
}

// NativeIDFor returns the native id of h, asking the source on a cache miss.
// The source is asked at most Retries times, sleeping RetryDelay in between.
func (r *Registry) NativeIDFor(ctx context.Context, h Handle) (int64, error) {
	r.mu.RLock()
	id, ok := r.ids[h]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.config.Retries; attempt++ {
		id, err := r.source.NativeThreadID(ctx, h)
		if err == nil {
			r.mu.Lock()
			r.ids[h] = id
			r.mu.Unlock()
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotAssigned) {
			break
		}
		if attempt < r.config.Retries {
			if err := r.clock.Sleep(ctx, r.config.RetryDelay); err != nil {
				return 0, err
			}
		}
	}

	r.logger.Debug("no native id for thread %d: %v", h, lastErr)
	return 0, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("native id of thread %d", h), lastErr)
}

// Register records a known mapping directly.
func (r *Registry) Register(h Handle, nativeID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[h] = nativeID
}

// Retire forgets a thread that is known to have exited.
func (r *Registry) Retire(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, h)
}

// Reap removes every handle for which alive returns false and returns how many were removed.
func (r *Registry) Reap(alive func(Handle) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for h := range r.ids {
		if !alive(h) {
			delete(r.ids, h)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached mappings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// SortedKnownNativeIDs returns a sorted snapshot of the cached native ids.
func (r *Registry) SortedKnownNativeIDs() []int64 {
	r.mu.RLock()
	out := make([]int64, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
