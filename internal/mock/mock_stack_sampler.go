package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/span-profiler/internal/stackframe"
)

// MockStackSampler is a mock implementation of sampler.StackSampler.
type MockStackSampler struct {
	mock.Mock
}

// SampleStacks mocks the SampleStacks method.
func (m *MockStackSampler) SampleStacks(ctx context.Context, nativeThreadIDs []int64) (map[int64][]*stackframe.Frame, error) {
	args := m.Called(ctx, nativeThreadIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64][]*stackframe.Frame), args.Error(1)
}

// ExpectSampleStacks sets up an expectation for SampleStacks with the given thread ids.
func (m *MockStackSampler) ExpectSampleStacks(nativeThreadIDs []int64, stacks map[int64][]*stackframe.Frame, err error) *mock.Call {
	return m.On("SampleStacks", mock.Anything, nativeThreadIDs).Return(stacks, err)
}

// ExpectAnySampleStacks sets up an expectation for SampleStacks with any thread ids.
func (m *MockStackSampler) ExpectAnySampleStacks(stacks map[int64][]*stackframe.Frame, err error) *mock.Call {
	return m.On("SampleStacks", mock.Anything, mock.Anything).Return(stacks, err)
}
