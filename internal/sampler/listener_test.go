package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/mock"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/internal/threadregistry"
	"github.com/span-profiler/pkg/utils"
)

func TestThreadListener_ResolvesNativeIDs(t *testing.T) {
	f := newFixture(t, nil)
	f.stacks.ExpectAnySampleStacks(map[int64][]*stackframe.Frame{}, nil)
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(5, tid, nil).Once()
	threads := threadregistry.New(source, threadregistry.DefaultConfig(), utils.NewMockClock(t0), nil)
	l := NewThreadListener(f.sampler, threads, nil)

	root := spanCtx(1, true)
	require.NoError(t, l.OnActivation(context.Background(), 5, root, trace.SpanContext{}))
	f.tick()
	assert.True(t, f.sampler.HasRoot(tid))

	require.NoError(t, l.OnDeactivation(context.Background(), 5, root, trace.SpanContext{}))
	f.tick()
	assert.False(t, f.sampler.HasRoot(tid))
	source.AssertExpectations(t)

	l.OnThreadExit(5)
	assert.Equal(t, 0, threads.Len())
}

func TestThreadListener_UnresolvableThread(t *testing.T) {
	f := newFixture(t, nil)
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(5, int64(0), threadregistry.ErrNotAssigned)
	clock := utils.NewMockClock(t0)
	threads := threadregistry.New(source, threadregistry.Config{Retries: 3, RetryDelay: time.Millisecond}, clock, nil)
	l := NewThreadListener(f.sampler, threads, nil)

	err := l.OnActivation(context.Background(), 5, spanCtx(1, true), trace.SpanContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, threadregistry.ErrNotAssigned))
	assert.Equal(t, 0, f.sampler.Stats().QueuedEvents)
	source.AssertNumberOfCalls(t, "NativeThreadID", 3)
}
