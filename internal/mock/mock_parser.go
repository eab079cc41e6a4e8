// Package mock provides mock implementations for testing.
package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
)

// MockSession is a mock implementation of parser.Session.
type MockSession struct {
	mock.Mock
}

// Info mocks the Info method.
func (m *MockSession) Info() parser.SessionInfo {
	args := m.Called()
	return args.Get(0).(parser.SessionInfo)
}

// ForEachSample mocks the ForEachSample method. Records passed to
// ExpectSamples are delivered to fn before the configured error is returned.
func (m *MockSession) ForEachSample(ctx context.Context, fn parser.SampleFunc) error {
	args := m.Called(ctx, fn)
	if records, ok := args.Get(0).([]parser.SampleRecord); ok {
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

// ResolveStackTrace mocks the ResolveStackTrace method.
func (m *MockSession) ResolveStackTrace(stackTraceID int64, javaFramesOnly bool, classes *filter.ClassFilter) ([]*stackframe.Frame, error) {
	args := m.Called(stackTraceID, javaFramesOnly, classes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*stackframe.Frame), args.Error(1)
}

// Close mocks the Close method.
func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ExpectInfo sets up an expectation for Info.
func (m *MockSession) ExpectInfo(info parser.SessionInfo) *mock.Call {
	return m.On("Info").Return(info)
}

// ExpectSamples sets up ForEachSample to stream records and then return err.
func (m *MockSession) ExpectSamples(records []parser.SampleRecord, err error) *mock.Call {
	return m.On("ForEachSample", mock.Anything, mock.Anything).Return(records, err)
}

// ExpectStackTrace sets up an expectation for resolving one stack trace.
func (m *MockSession) ExpectStackTrace(id int64, frames []*stackframe.Frame, err error) *mock.Call {
	return m.On("ResolveStackTrace", id, mock.Anything, mock.Anything).Return(frames, err)
}

// ExpectClose sets up an expectation for Close.
func (m *MockSession) ExpectClose(err error) *mock.Call {
	return m.On("Close").Return(err)
}
