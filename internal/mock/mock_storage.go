package mock

import (
	"bytes"
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	apperrors "github.com/span-profiler/pkg/errors"
)

// MockStorage is a mock implementation of storage.Storage.
type MockStorage struct {
	mock.Mock
}

// Upload mocks the Upload method.
func (m *MockStorage) Upload(ctx context.Context, key string, reader io.Reader) error {
	args := m.Called(ctx, key, reader)
	return args.Error(0)
}

// Download mocks the Download method.
func (m *MockStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// DownloadFile mocks the DownloadFile method.
func (m *MockStorage) DownloadFile(ctx context.Context, key string, localPath string) error {
	args := m.Called(ctx, key, localPath)
	return args.Error(0)
}

// List mocks the List method.
func (m *MockStorage) List(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// Delete mocks the Delete method.
func (m *MockStorage) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// Exists mocks the Exists method.
func (m *MockStorage) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// GetURL mocks the GetURL method.
func (m *MockStorage) GetURL(key string) string {
	args := m.Called(key)
	return args.String(0)
}

// ExpectDump serves content for key once.
func (m *MockStorage) ExpectDump(key string, content []byte) *mock.Call {
	return m.On("Download", mock.Anything, key).Return(io.NopCloser(bytes.NewReader(content)), nil).Once()
}

// ExpectMissing makes Download of key fail the way the real backends do
// for absent objects.
func (m *MockStorage) ExpectMissing(key string) *mock.Call {
	return m.On("Download", mock.Anything, key).Return(nil, apperrors.Newf(apperrors.CodeNotFound, "object not found: %s", key))
}

// ExpectDownload sets up an expectation for Download.
func (m *MockStorage) ExpectDownload(key string, reader io.ReadCloser, err error) *mock.Call {
	return m.On("Download", mock.Anything, key).Return(reader, err)
}

// ExpectList sets up an expectation for List.
func (m *MockStorage) ExpectList(prefix string, keys []string, err error) *mock.Call {
	return m.On("List", mock.Anything, prefix).Return(keys, err)
}
