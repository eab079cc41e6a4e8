package sampler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/calltree"
	"github.com/span-profiler/internal/mock"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

const tid int64 = 42

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func spanCtx(id byte, sampled bool) trace.SpanContext {
	cfg := trace.SpanContextConfig{
		TraceID: trace.TraceID{0xfe, id},
		SpanID:  trace.SpanID{id},
	}
	if sampled {
		cfg.TraceFlags = trace.FlagsSampled
	}
	return trace.NewSpanContext(cfg)
}

type recordingSink struct {
	mu    sync.Mutex
	spans []calltree.InferredSpan
	next  byte
}

func (s *recordingSink) StartInferredSpan(parent trace.SpanContext, span calltree.InferredSpan) trace.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, span)
	s.next++
	return spanCtx(100+s.next, true)
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spans))
	for i, sp := range s.spans {
		out[i] = sp.Name()
	}
	return out
}

type fixture struct {
	sampler *Sampler
	stacks  *mock.MockStackSampler
	sink    *recordingSink
	clock   *utils.MockClock
	frames  *stackframe.Registry
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SessionDuration = 0
	cfg.SessionInterval = 0
	cfg.PrunePercentage = 0
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		stacks: &mock.MockStackSampler{},
		sink:   &recordingSink{},
		clock:  utils.NewMockClock(t0),
		frames: stackframe.NewRegistry(),
	}
	f.sampler = New(cfg, f.stacks, f.sink, f.clock, &utils.NullLogger{})
	return f
}

// stack returns a newest-first stack from names given oldest first.
func (f *fixture) stack(names ...string) []*stackframe.Frame {
	out := make([]*stackframe.Frame, len(names))
	for i, n := range names {
		out[len(names)-1-i] = f.frames.Intern("com.example.App", n)
	}
	return out
}

// tick advances the clock by one interval and runs a tick.
func (f *fixture) tick() {
	f.sampler.Tick(context.Background())
	f.clock.Advance(f.sampler.config.SamplingInterval)
}

func TestNestedActivation_NoSamplesEmitsNothing(t *testing.T) {
	f := newFixture(t, nil)
	a, b := spanCtx(1, true), spanCtx(2, true)

	f.sampler.OnActivation(tid, a, trace.SpanContext{})
	f.sampler.OnActivation(tid, b, a)
	f.sampler.OnDeactivation(tid, b, a)
	f.sampler.OnDeactivation(tid, a, trace.SpanContext{})
	f.tick()

	assert.False(t, f.sampler.HasRoot(tid))
	assert.Empty(t, f.sink.names())
	f.stacks.AssertNotCalled(t, "SampleStacks")

	stats := f.sampler.Stats()
	assert.Equal(t, int64(0), stats.ActiveRoots)
	assert.Equal(t, int64(1), stats.FinishedRoots)
	assert.Equal(t, int64(0), stats.EmittedSpans)
	assert.Equal(t, int64(0), stats.ProtocolViolations)
}

func TestScenario_SampledTicksBecomeSpans(t *testing.T) {
	f := newFixture(t, nil)
	root := spanCtx(1, true)

	for _, names := range [][]string{
		{"a", "b"}, {"a", "b"}, {"a"}, {"a", "c"}, {"a", "c"},
	} {
		f.stacks.ExpectSampleStacks([]int64{tid}, map[int64][]*stackframe.Frame{tid: f.stack(names...)}, nil).Once()
	}

	f.sampler.OnActivation(tid, root, trace.SpanContext{})
	for i := 0; i < 5; i++ {
		f.tick()
	}
	f.sampler.OnDeactivation(tid, root, trace.SpanContext{})
	f.tick()

	f.stacks.AssertExpectations(t)
	assert.ElementsMatch(t, []string{"App#a", "App#b", "App#c"}, f.sink.names())

	interval := f.sampler.config.SamplingInterval
	for _, sp := range f.sink.spans {
		switch sp.Name() {
		case "App#a":
			assert.Equal(t, t0, sp.Start)
			assert.Equal(t, 5*interval, sp.Duration)
		case "App#b":
			assert.Equal(t, t0, sp.Start)
			assert.Equal(t, 2*interval, sp.Duration)
		case "App#c":
			assert.Equal(t, t0.Add(3*interval), sp.Start)
			assert.Equal(t, 2*interval, sp.Duration)
		}
	}
	assert.Equal(t, int64(3), f.sampler.Stats().EmittedSpans)
}

func TestRootStartedLater_UsesOwnTimeline(t *testing.T) {
	f := newFixture(t, nil)
	root := spanCtx(1, true)
	interval := f.sampler.config.SamplingInterval

	f.tick()
	f.tick()

	f.stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{tid: f.stack("a", "b")}, nil)
	f.sampler.OnActivation(tid, root, trace.SpanContext{})
	f.tick()
	f.tick()
	f.sampler.OnDeactivation(tid, root, trace.SpanContext{})
	f.tick()

	require.Len(t, f.sink.spans, 1)
	assert.Equal(t, "App#b", f.sink.spans[0].Name())
	assert.Equal(t, t0.Add(2*interval), f.sink.spans[0].Start)
	assert.Equal(t, 2*interval, f.sink.spans[0].Duration)
}

func TestProtocolViolations(t *testing.T) {
	f := newFixture(t, nil)
	a, other := spanCtx(1, true), spanCtx(9, true)

	f.sampler.OnActivation(tid, a, trace.SpanContext{})
	f.sampler.OnActivation(tid, other, trace.SpanContext{})
	f.sampler.OnDeactivation(tid, other, trace.SpanContext{})
	f.stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{}, nil)
	f.tick()

	assert.True(t, f.sampler.HasRoot(tid))
	assert.Equal(t, int64(2), f.sampler.Stats().ProtocolViolations)
	assert.True(t, f.sampler.roots[tid].tree.Context().Equal(a))
}

func TestUnsampledContextIsNotProfiled(t *testing.T) {
	f := newFixture(t, nil)
	f.sampler.OnActivation(tid, spanCtx(1, false), trace.SpanContext{})
	f.tick()

	assert.False(t, f.sampler.HasRoot(tid))
	f.stacks.AssertNotCalled(t, "SampleStacks")
}

func TestDeactivationWithoutRootIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.sampler.OnDeactivation(tid, spanCtx(1, true), trace.SpanContext{})
	f.sampler.OnActivation(tid, spanCtx(2, true), spanCtx(1, true))
	f.tick()

	assert.False(t, f.sampler.HasRoot(tid))
	assert.Equal(t, int64(0), f.sampler.Stats().ProtocolViolations)
}

func TestQueueFull_DropsEvents(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.QueueSize = 2 })

	f.sampler.OnActivation(1, spanCtx(1, true), trace.SpanContext{})
	f.sampler.OnActivation(2, spanCtx(2, true), trace.SpanContext{})
	f.sampler.OnActivation(3, spanCtx(3, true), trace.SpanContext{})

	stats := f.sampler.Stats()
	assert.Equal(t, int64(1), stats.DroppedEvents)
	assert.Equal(t, 2, stats.QueuedEvents)
}

func TestSamplingError_IsLoggedAndSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.stacks.ExpectAnySampleStacks(nil, errors.New("agent unavailable"))

	f.sampler.OnActivation(tid, spanCtx(1, true), trace.SpanContext{})
	f.tick()
	f.tick()

	stats := f.sampler.Stats()
	assert.Equal(t, int64(2), stats.SamplingErrors)
	assert.Equal(t, int64(2), stats.Ticks)
	assert.True(t, f.sampler.HasRoot(tid))
}

type panickingSampler struct {
	calls int
}

func (p *panickingSampler) SampleStacks(context.Context, []int64) (map[int64][]*stackframe.Frame, error) {
	p.calls++
	if p.calls == 1 {
		panic("boom")
	}
	return map[int64][]*stackframe.Frame{}, nil
}

func TestTick_RecoversFromPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SessionDuration = 0
	stacks := &panickingSampler{}
	s := New(cfg, stacks, &recordingSink{}, utils.NewMockClock(t0), nil)

	s.OnActivation(tid, spanCtx(1, true), trace.SpanContext{})
	assert.NotPanics(t, func() { s.Tick(context.Background()) })
	assert.NotPanics(t, func() { s.Tick(context.Background()) })

	assert.Equal(t, int64(1), s.Stats().Panics)
	assert.Equal(t, 2, stacks.calls)
}

func TestSessionWindow_DiscardsOpenRoots(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.SessionDuration = time.Second
		c.SessionInterval = 2 * time.Second
	})
	f.stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{tid: f.stack("a")}, nil)
	root := spanCtx(1, true)

	f.sampler.OnActivation(tid, root, trace.SpanContext{})
	f.sampler.Tick(context.Background())
	require.True(t, f.sampler.HasRoot(tid))

	f.clock.Advance(1500 * time.Millisecond)
	f.sampler.Tick(context.Background())
	assert.False(t, f.sampler.HasRoot(tid))
	assert.False(t, f.sampler.Stats().SessionActive)
	assert.Equal(t, int64(1), f.sampler.Stats().DiscardedRoots)

	f.sampler.OnDeactivation(tid, root, trace.SpanContext{})
	f.sampler.OnActivation(7, spanCtx(2, true), trace.SpanContext{})
	assert.Equal(t, int64(2), f.sampler.Stats().IgnoredEvents)

	f.clock.Advance(time.Second)
	f.sampler.Tick(context.Background())
	assert.True(t, f.sampler.Stats().SessionActive)
	assert.False(t, f.sampler.HasRoot(7))
	assert.Empty(t, f.sink.names())
}

func TestMinDuration_PrunesShortNodes(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.MinDuration = 100 * time.Millisecond
	})
	root := spanCtx(1, true)
	for _, names := range [][]string{
		{"a", "blip"}, {"a", "long"}, {"a", "long"}, {"a", "long"},
	} {
		f.stacks.ExpectSampleStacks([]int64{tid}, map[int64][]*stackframe.Frame{tid: f.stack(names...)}, nil).Once()
	}

	f.sampler.OnActivation(tid, root, trace.SpanContext{})
	for i := 0; i < 4; i++ {
		f.tick()
	}
	f.sampler.OnDeactivation(tid, root, trace.SpanContext{})
	f.tick()

	// a keeps a single child with fewer samples, which is not a pillar
	assert.ElementsMatch(t, []string{"App#a", "App#long"}, f.sink.names())
}

func TestFrameFilter_SkipsExcludedClasses(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Frames = filter.NewClassFilter(nil, []string{"(?-i)java.*"})
	})
	root := spanCtx(1, true)
	proxy := f.frames.Intern("java.lang.reflect.Method", "invoke")
	svc := f.frames.Intern("com.example.Service", "handle")
	repo := f.frames.Intern("com.example.Repo", "load")
	f.stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{tid: {repo, proxy, svc}}, nil)

	f.sampler.OnActivation(tid, root, trace.SpanContext{})
	f.tick()
	f.tick()
	f.sampler.OnDeactivation(tid, root, trace.SpanContext{})
	f.tick()

	assert.Equal(t, []string{"Repo#load"}, f.sink.names())
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SamplingInterval = 5 * time.Millisecond
	cfg.SessionDuration = 0
	stacks := &mock.MockStackSampler{}
	stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{}, nil).Maybe()
	s := New(cfg, stacks, &recordingSink{}, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	s.OnActivation(tid, spanCtx(1, true), trace.SpanContext{})
	assert.Eventually(t, func() bool {
		return s.Stats().ActiveRoots == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Stats().Running)

	s.Stop()
	s.Stop()

	stats := s.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, int64(0), stats.ActiveRoots)
	assert.Equal(t, int64(1), stats.DiscardedRoots)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "activation", Activation.String())
	assert.Equal(t, "deactivation", Deactivation.String())
	assert.Equal(t, "unknown", EventKind(7).String())
}
