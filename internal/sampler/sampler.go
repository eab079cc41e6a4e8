// Package sampler correlates span activations with periodic stack sampling
// and turns the resulting call trees into inferred spans.
//
// Activation and deactivation notifications may arrive on any goroutine.
// They are queued and applied by a single sampling goroutine that owns every
// call tree, so the trees need no locking.
package sampler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/calltree"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/config"
	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

// StackSampler captures the current stacks of the given native threads in
// one call. Stacks are returned newest frame first. Threads that could not be
// sampled are absent from the result.
type StackSampler interface {
	SampleStacks(ctx context.Context, nativeThreadIDs []int64) (map[int64][]*stackframe.Frame, error)
}

// Config holds sampler configuration.
type Config struct {
	SamplingInterval time.Duration
	MinDuration      time.Duration
	SessionDuration  time.Duration
	SessionInterval  time.Duration
	PrunePercentage  float64
	QueueSize        int
	Frames           *filter.ClassFilter
}

// DefaultConfig returns the default sampler configuration.
func DefaultConfig() Config {
	return Config{
		SamplingInterval: 50 * time.Millisecond,
		SessionDuration:  10 * time.Second,
		SessionInterval:  60 * time.Second,
		PrunePercentage:  0.01,
		QueueSize:        16 * 1024,
	}
}

// FromConfig creates sampler config from application config.
func FromConfig(cfg *config.ProfilingConfig) Config {
	return Config{
		SamplingInterval: cfg.SamplingInterval,
		MinDuration:      cfg.MinDuration,
		SessionDuration:  cfg.SessionDuration,
		SessionInterval:  cfg.SessionInterval,
		PrunePercentage:  cfg.PrunePercentage,
		QueueSize:        cfg.ActivationQueueSize,
		Frames:           filter.NewClassFilter(cfg.IncludedClasses, cfg.ExcludedClasses),
	}
}

func (c Config) sessionsEnabled() bool {
	return c.SessionDuration > 0 && c.SessionInterval > 0
}

// minDurationTicks rounds up so that a node lasting fewer ticks is shorter
// than MinDuration.
func (c Config) minDurationTicks() int64 {
	if c.MinDuration <= 0 {
		return 0
	}
	return int64((c.MinDuration + c.SamplingInterval - 1) / c.SamplingInterval)
}

// profiledRoot is the open call tree of one native thread.
type profiledRoot struct {
	nativeID  int64
	tree      *calltree.Root
	firstTick int64
	firstTime time.Time
}

// base returns the time of tick 1 on the root's timeline.
func (r *profiledRoot) base(interval time.Duration) time.Time {
	if r.firstTick == 0 {
		return r.firstTime
	}
	return r.firstTime.Add(-time.Duration(r.firstTick-1) * interval)
}

// Sampler is the sampling scheduler.
type Sampler struct {
	config  Config
	stacks  StackSampler
	sink    calltree.SpanSink
	clock   utils.Clock
	logger  utils.Logger
	events  chan ActivationEvent
	pending []ActivationEvent

	// owned by the sampling goroutine
	roots        map[int64]*profiledRoot
	tick         int64
	sessionStart time.Time

	sessionActive atomic.Bool
	stats         counters

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type counters struct {
	ticks              atomic.Int64
	activeRoots        atomic.Int64
	finishedRoots      atomic.Int64
	discardedRoots     atomic.Int64
	emittedSpans       atomic.Int64
	droppedEvents      atomic.Int64
	ignoredEvents      atomic.Int64
	protocolViolations atomic.Int64
	samplingErrors     atomic.Int64
	panics             atomic.Int64
}

// New creates a Sampler. Inferred spans are handed to sink.
func New(cfg Config, stacks StackSampler, sink calltree.SpanSink, clock utils.Clock, logger utils.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = def.SamplingInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if clock == nil {
		clock = utils.NewRealClock()
	}

	s := &Sampler{
		config: cfg,
		stacks: stacks,
		sink:   sink,
		clock:  clock,
		logger: utils.OrNull(logger),
		events: make(chan ActivationEvent, cfg.QueueSize),
		roots:  make(map[int64]*profiledRoot),
	}
	s.sessionActive.Store(true)
	return s
}

// OnActivation records that active became the active span on the thread.
// previous is the span that was active before, or the zero SpanContext.
// It never blocks.
func (s *Sampler) OnActivation(nativeID int64, active, previous trace.SpanContext) {
	s.enqueue(newEvent(Activation, nativeID, active, previous))
}

// OnDeactivation records that deactivated stopped being active on the thread.
// previous is the span that becomes active again, or the zero SpanContext
// when the thread leaves traced code. It never blocks.
func (s *Sampler) OnDeactivation(nativeID int64, deactivated, previous trace.SpanContext) {
	s.enqueue(newEvent(Deactivation, nativeID, deactivated, previous))
}

func (s *Sampler) enqueue(ev ActivationEvent) {
	if !s.sessionActive.Load() {
		s.stats.ignoredEvents.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.stats.droppedEvents.Add(1)
	}
}

// Start starts the sampling loop.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sampler already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("Starting sampler (interval %v, sessions %v/%v)",
		s.config.SamplingInterval, s.config.SessionDuration, s.config.SessionInterval)
	go s.loop(ctx, s.done)
	return nil
}

// Stop stops the sampling loop and waits for it to exit. Open roots are
// discarded without emitting spans.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.discardRoots("sampler stopped")
	s.logger.Info("Sampler stopped")
}

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sampling step: it applies queued events, samples the threads
// that have an open root and merges their stacks. It must not be called
// while the loop started by Start is running. Errors and panics are logged
// and never escape.
func (s *Sampler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			s.logger.Error("Sampling tick panicked: %v", r)
		}
	}()

	now := s.clock.Now()
	if !s.updateSession(now) {
		return
	}

	s.tick++
	s.stats.ticks.Add(1)
	tick := s.tick

	s.drain()
	for _, ev := range s.pending {
		s.apply(ev)
	}
	s.pending = s.pending[:0]

	if len(s.roots) == 0 {
		return
	}

	ids := make([]int64, 0, len(s.roots))
	for id := range s.roots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	stacks, err := s.stacks.SampleStacks(ctx, ids)
	if err != nil {
		s.stats.samplingErrors.Add(1)
		s.logger.Error("Failed to sample %d threads: %v", len(ids), err)
		return
	}

	for _, id := range ids {
		stack, ok := stacks[id]
		if !ok {
			continue
		}
		root := s.roots[id]
		if root.firstTick == 0 {
			root.firstTick = tick
			root.firstTime = now
		}
		root.tree.AddStack(stack, tick)
	}
}

// updateSession reports whether a profiling session is active at now and
// discards open roots when a session ends.
func (s *Sampler) updateSession(now time.Time) bool {
	if !s.config.sessionsEnabled() {
		return true
	}
	if s.sessionStart.IsZero() {
		s.sessionStart = now
	}

	elapsed := now.Sub(s.sessionStart) % s.config.SessionInterval
	active := elapsed < s.config.SessionDuration
	was := s.sessionActive.Swap(active)

	switch {
	case was && !active:
		s.drain()
		s.pending = s.pending[:0]
		s.discardRoots("profiling session ended")
		s.logger.Debug("Profiling session ended")
	case !was && active:
		s.logger.Debug("Profiling session started")
	}
	return active
}

func (s *Sampler) drain() {
	for {
		select {
		case ev := <-s.events:
			s.pending = append(s.pending, ev)
		default:
			return
		}
	}
}

func (s *Sampler) apply(ev ActivationEvent) {
	root := s.roots[ev.NativeThreadID]

	switch {
	case ev.Kind == Activation && !ev.HasPrevious:
		if root != nil {
			s.violation(ev, "thread %d already has an open root for trace %s",
				ev.NativeThreadID, root.tree.Context().TraceID())
			return
		}
		if !ev.Context.IsSampled() {
			return
		}
		s.roots[ev.NativeThreadID] = &profiledRoot{
			nativeID: ev.NativeThreadID,
			tree:     calltree.NewRoot(ev.Context, calltree.WithFrameFilter(s.config.Frames)),
		}
		s.stats.activeRoots.Add(1)

	case ev.Kind == Activation:
		if root != nil {
			root.tree.OnActivation(ev.Context)
		}

	case !ev.HasPrevious:
		if root == nil {
			return
		}
		if !root.tree.Context().Equal(ev.Context) {
			s.violation(ev, "thread %d deactivated span %s but its root is %s",
				ev.NativeThreadID, ev.Context.SpanID(), root.tree.Context().SpanID())
			return
		}
		delete(s.roots, ev.NativeThreadID)
		s.stats.activeRoots.Add(-1)
		s.finish(root)

	default:
		if root != nil {
			root.tree.OnDeactivation(ev.Previous)
		}
	}
}

func (s *Sampler) violation(ev ActivationEvent, format string, args ...interface{}) {
	s.stats.protocolViolations.Add(1)
	err := apperrors.Newf(apperrors.CodeProtocolViolation, format, args...)
	s.logger.WithField("kind", ev.Kind.String()).Warn("Ignoring event: %v", err)
}

// finish ends, prunes and spanifies a root.
func (s *Sampler) finish(root *profiledRoot) {
	tree := root.tree
	tree.End()
	s.stats.finishedRoots.Add(1)

	if tree.SampleCount() == 0 {
		return
	}

	threshold := int64(s.config.PrunePercentage * float64(tree.DurationTicks()))
	if minTicks := s.config.minDurationTicks(); minTicks > threshold {
		threshold = minTicks
	}
	removed := tree.RemoveNodesFasterThan(threshold)

	emitted := tree.Spanify(s.sink, root.base(s.config.SamplingInterval), s.config.SamplingInterval)
	s.stats.emittedSpans.Add(int64(emitted))

	s.logger.Debug("Thread %d: %d samples, %d nodes pruned below %d ticks, %d spans",
		root.nativeID, tree.SampleCount(), removed, threshold, emitted)
}

func (s *Sampler) discardRoots(reason string) {
	if len(s.roots) == 0 {
		return
	}
	n := len(s.roots)
	s.roots = make(map[int64]*profiledRoot)
	s.stats.activeRoots.Add(-int64(n))
	s.stats.discardedRoots.Add(int64(n))
	s.logger.Debug("Discarded %d open roots: %s", n, reason)
}

// HasRoot reports whether the thread has an open root. It is meant for
// tests and must not be called while the loop is running.
func (s *Sampler) HasRoot(nativeID int64) bool {
	_, ok := s.roots[nativeID]
	return ok
}

// Stats returns current sampler statistics.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Stats{
		Ticks:              s.stats.ticks.Load(),
		ActiveRoots:        s.stats.activeRoots.Load(),
		FinishedRoots:      s.stats.finishedRoots.Load(),
		DiscardedRoots:     s.stats.discardedRoots.Load(),
		EmittedSpans:       s.stats.emittedSpans.Load(),
		DroppedEvents:      s.stats.droppedEvents.Load(),
		IgnoredEvents:      s.stats.ignoredEvents.Load(),
		ProtocolViolations: s.stats.protocolViolations.Load(),
		SamplingErrors:     s.stats.samplingErrors.Load(),
		Panics:             s.stats.panics.Load(),
		QueuedEvents:       len(s.events),
		SessionActive:      s.sessionActive.Load(),
		Running:            running,
	}
}

// Stats holds sampler statistics.
type Stats struct {
	Ticks              int64 `json:"ticks"`
	ActiveRoots        int64 `json:"active_roots"`
	FinishedRoots      int64 `json:"finished_roots"`
	DiscardedRoots     int64 `json:"discarded_roots"`
	EmittedSpans       int64 `json:"emitted_spans"`
	DroppedEvents      int64 `json:"dropped_events"`
	IgnoredEvents      int64 `json:"ignored_events"`
	ProtocolViolations int64 `json:"protocol_violations"`
	SamplingErrors     int64 `json:"sampling_errors"`
	Panics             int64 `json:"panics"`
	QueuedEvents       int   `json:"queued_events"`
	SessionActive      bool  `json:"session_active"`
	Running            bool  `json:"running"`
}
