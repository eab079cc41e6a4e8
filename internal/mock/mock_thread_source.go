package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/span-profiler/internal/threadregistry"
)

// MockNativeIDSource is a mock implementation of threadregistry.NativeIDSource.
type MockNativeIDSource struct {
	mock.Mock
}

// NativeThreadID mocks the NativeThreadID method.
func (m *MockNativeIDSource) NativeThreadID(ctx context.Context, h threadregistry.Handle) (int64, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(int64), args.Error(1)
}

// ExpectNativeThreadID sets up an expectation for NativeThreadID.
func (m *MockNativeIDSource) ExpectNativeThreadID(h threadregistry.Handle, id int64, err error) *mock.Call {
	return m.On("NativeThreadID", mock.Anything, h).Return(id, err)
}
