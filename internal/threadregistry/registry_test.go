package threadregistry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/span-profiler/internal/mock"
	"github.com/span-profiler/internal/threadregistry"
	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/utils"
)

func newRegistry(source threadregistry.NativeIDSource, clock utils.Clock) *threadregistry.Registry {
	return threadregistry.New(source, threadregistry.Config{Retries: 3, RetryDelay: 2 * time.Millisecond}, clock, nil)
}

func TestNativeIDFor_CachesResult(t *testing.T) {
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(1, 4242, nil).Once()
	reg := newRegistry(source, utils.NewMockClock(time.Now()))

	for i := 0; i < 3; i++ {
		id, err := reg.NativeIDFor(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(4242), id)
	}
	source.AssertNumberOfCalls(t, "NativeThreadID", 1)
	assert.Equal(t, 1, reg.Len())
}

func TestNativeIDFor_RetriesUntilAssigned(t *testing.T) {
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(1, int64(0), threadregistry.ErrNotAssigned).Twice()
	source.ExpectNativeThreadID(1, 77, nil).Once()
	clock := utils.NewMockClock(time.Now())
	reg := newRegistry(source, clock)

	id, err := reg.NativeIDFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 2 * time.Millisecond}, clock.Sleeps())
}

func TestNativeIDFor_GivesUpAfterRetries(t *testing.T) {
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(1, int64(0), threadregistry.ErrNotAssigned)
	clock := utils.NewMockClock(time.Now())
	reg := newRegistry(source, clock)

	_, err := reg.NativeIDFor(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.ErrorIs(t, err, threadregistry.ErrNotAssigned)
	source.AssertNumberOfCalls(t, "NativeThreadID", 3)
	assert.Len(t, clock.Sleeps(), 2)
	assert.Equal(t, 0, reg.Len())
}

func TestNativeIDFor_PermanentErrorStopsImmediately(t *testing.T) {
	boom := errors.New("thread not found")
	source := &mock.MockNativeIDSource{}
	source.ExpectNativeThreadID(1, int64(0), boom)
	reg := newRegistry(source, utils.NewMockClock(time.Now()))

	_, err := reg.NativeIDFor(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	source.AssertNumberOfCalls(t, "NativeThreadID", 1)
}

func TestNativeIDFor_ContextCanceledDuringRetry(t *testing.T) {
	source := threadregistry.NativeIDSourceFunc(func(ctx context.Context, h threadregistry.Handle) (int64, error) {
		return 0, threadregistry.ErrNotAssigned
	})
	reg := newRegistry(source, utils.NewMockClock(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.NativeIDFor(ctx, 9)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetireAndReap(t *testing.T) {
	reg := newRegistry(nil, nil)
	reg.Register(1, 30)
	reg.Register(2, 10)
	reg.Register(3, 20)

	assert.Equal(t, []int64{10, 20, 30}, reg.SortedKnownNativeIDs())

	reg.Retire(2)
	assert.Equal(t, []int64{20, 30}, reg.SortedKnownNativeIDs())

	removed := reg.Reap(func(h threadregistry.Handle) bool { return h == 1 })
	assert.Equal(t, 1, removed)
	assert.Equal(t, []int64{30}, reg.SortedKnownNativeIDs())
}

func TestSortedKnownNativeIDs_Empty(t *testing.T) {
	assert.Empty(t, newRegistry(nil, nil).SortedKnownNativeIDs())
}
