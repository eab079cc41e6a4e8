package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/span-profiler/internal/mock"
	"github.com/span-profiler/internal/storage"
	apperrors "github.com/span-profiler/pkg/errors"
)

func localStore(t *testing.T, files ...string) *storage.LocalStorage {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	s, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)
	return s
}

func drain(ch <-chan *DumpEvent) []string {
	var keys []string
	for {
		select {
		case e := <-ch:
			keys = append(keys, e.Key)
		default:
			return keys
		}
	}
}

func TestStorageSource_PollAnnouncesNewDumps(t *testing.T) {
	store := localStore(t, "host/a.jfr", "host/b.traces.gz", "host/notes.txt", "other/c.jfr")
	src := NewStorageSourceWithDeps("bucket", &StorageOptions{Prefix: "host/"}, store, nil)
	ctx := context.Background()

	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []string{"host/a.jfr", "host/b.traces.gz"}, drain(src.Events()))

	require.NoError(t, src.poll(ctx))
	assert.Empty(t, drain(src.Events()))

	require.NoError(t, store.Upload(ctx, "host/d.jfr.zst", strings.NewReader("x")))
	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []string{"host/d.jfr.zst"}, drain(src.Events()))
}

func TestStorageSource_NackRetries(t *testing.T) {
	store := localStore(t, "a.jfr")
	src := NewStorageSourceWithDeps("bucket", nil, store, nil)
	ctx := context.Background()

	require.NoError(t, src.poll(ctx))
	e := <-src.Events()
	require.NoError(t, src.Ack(ctx, e))
	require.NoError(t, src.poll(ctx))
	assert.Empty(t, drain(src.Events()))

	require.NoError(t, src.Nack(ctx, e, errors.New("replay failed")))
	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []string{"a.jfr"}, drain(src.Events()))
}

func TestStorageSource_PermanentNackIsNotRetried(t *testing.T) {
	store := localStore(t, "bad.jfr", "gone.jfr", "busy.jfr")
	src := NewStorageSourceWithDeps("bucket", nil, store, nil)
	ctx := context.Background()

	require.NoError(t, src.poll(ctx))
	bad, gone, busy := <-src.Events(), <-src.Events(), <-src.Events()

	require.NoError(t, src.Nack(ctx, bad, apperrors.Wrap(apperrors.CodeFormatError, "failed to open dump", errors.New("bad magic"))))
	require.NoError(t, src.Nack(ctx, gone, apperrors.New(apperrors.CodeNotFound, "dump not found")))
	require.NoError(t, src.Nack(ctx, busy, apperrors.New(apperrors.CodeResourceError, "dump queue full")))

	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []string{"busy.jfr"}, drain(src.Events()))
	require.NoError(t, src.poll(ctx))
	assert.Empty(t, drain(src.Events()))
}

func TestStorageSource_DeleteOnAck(t *testing.T) {
	store := localStore(t, "a.jfr", "b.jfr")
	src := NewStorageSourceWithDeps("bucket", &StorageOptions{DeleteOnAck: true}, store, nil)
	ctx := context.Background()

	require.NoError(t, src.poll(ctx))
	a, b := <-src.Events(), <-src.Events()
	require.NoError(t, src.Ack(ctx, a))
	require.NoError(t, src.Nack(ctx, b, errors.New("replay failed")))

	ok, err := store.Exists(ctx, "a.jfr")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, src.poll(ctx))
	assert.Equal(t, []string{"b.jfr"}, drain(src.Events()))
}

func TestNewStorageSource_Options(t *testing.T) {
	cfg := &SourceConfig{Type: SourceTypeStorage, Name: "bucket", Options: map[string]interface{}{
		"prefix":        "dumps/",
		"poll_interval": "30s",
		"delete_on_ack": true,
	}}
	src, err := NewStorageSource(cfg, Deps{Storage: localStore(t)})
	require.NoError(t, err)

	opts := src.(*StorageSource).options
	assert.Equal(t, "dumps/", opts.Prefix)
	assert.Equal(t, 30*time.Second, opts.PollInterval)
	assert.True(t, opts.DeleteOnAck)
	assert.Equal(t, []string{".jfr", ".traces"}, opts.Suffixes)
}

func TestStorageSource_ListFailureIsUnhealthy(t *testing.T) {
	store := &mock.MockStorage{}
	store.ExpectList("dumps/", nil, errors.New("forbidden"))

	src := NewStorageSourceWithDeps("bucket", &StorageOptions{Prefix: "dumps/"}, store, nil)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop()

	assert.Eventually(t, func() bool {
		err := src.HealthCheck(context.Background())
		return err != nil && err.Error() == "storage source bucket: forbidden"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStorageSource_StartStop(t *testing.T) {
	store := localStore(t, "a.jfr")
	src := NewStorageSourceWithDeps("bucket", &StorageOptions{PollInterval: time.Hour}, store, nil)

	assert.Error(t, src.HealthCheck(context.Background()))
	require.NoError(t, src.Start(context.Background()))

	e := receive(t, src.Events())
	assert.Equal(t, "a.jfr", e.Key)
	assert.NoError(t, src.HealthCheck(context.Background()))

	require.NoError(t, src.Stop())
	assert.NoError(t, src.Stop())
}
