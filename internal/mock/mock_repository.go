package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/span-profiler/internal/repository"
)

// MockSessionRepository is a mock implementation of repository.SessionRepository.
type MockSessionRepository struct {
	mock.Mock
}

// Create mocks the Create method.
func (m *MockSessionRepository) Create(ctx context.Context, session *repository.ProfilingSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

// MarkFinished mocks the MarkFinished method.
func (m *MockSessionRepository) MarkFinished(ctx context.Context, uuid string, summary repository.SessionSummary, finishedAt time.Time) error {
	args := m.Called(ctx, uuid, summary, finishedAt)
	return args.Error(0)
}

// MarkFailed mocks the MarkFailed method.
func (m *MockSessionRepository) MarkFailed(ctx context.Context, uuid string, info string, finishedAt time.Time) error {
	args := m.Called(ctx, uuid, info, finishedAt)
	return args.Error(0)
}

// GetByUUID mocks the GetByUUID method.
func (m *MockSessionRepository) GetByUUID(ctx context.Context, uuid string) (*repository.ProfilingSession, error) {
	args := m.Called(ctx, uuid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ProfilingSession), args.Error(1)
}

// ListRecent mocks the ListRecent method.
func (m *MockSessionRepository) ListRecent(ctx context.Context, limit int) ([]*repository.ProfilingSession, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.ProfilingSession), args.Error(1)
}

// ExpectCreate sets up an expectation for Create with any session.
func (m *MockSessionRepository) ExpectCreate(err error) *mock.Call {
	return m.On("Create", mock.Anything, mock.AnythingOfType("*repository.ProfilingSession")).Return(err)
}

// ExpectMarkFinished sets up an expectation for MarkFinished with any uuid.
func (m *MockSessionRepository) ExpectMarkFinished(summary repository.SessionSummary, err error) *mock.Call {
	return m.On("MarkFinished", mock.Anything, mock.Anything, summary, mock.Anything).Return(err)
}

// ExpectMarkFailed sets up an expectation for MarkFailed with any uuid and reason.
func (m *MockSessionRepository) ExpectMarkFailed(err error) *mock.Call {
	return m.On("MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(err)
}
