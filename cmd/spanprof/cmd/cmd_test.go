package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/span-profiler/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version dev")
	assert.Contains(t, out, "Go Version:")
	assert.Contains(t, out, "Dump formats: [jfr traces]")
	assert.Contains(t, out, "[cos local]")
}

func TestInspect(t *testing.T) {
	path := testutil.WriteTempFile(t, "app.traces", []byte(testutil.TracesFixture))

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Format:   traces")
	assert.Contains(t, out, "Threads:  2")
	assert.Contains(t, out, "http-nio-8080-exec-1")
}

func TestConvert(t *testing.T) {
	path := testutil.WriteTempFile(t, "app.traces", []byte(testutil.TracesFixture))
	output := filepath.Join(t.TempDir(), "app.pb.gz")

	out, err := execute(t, "convert", "-i", path, "-o", output, "--top", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "function")
	assert.Contains(t, out, "com.example.Repository.query")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2])
}

func TestReplay_PrintSpans(t *testing.T) {
	path := testutil.WriteTempFile(t, "app.traces", []byte(testutil.TracesFixture))

	out, err := execute(t, "replay", path, "--print-spans")
	require.NoError(t, err)
	assert.Contains(t, out, "profiling session thread 42")
	assert.Contains(t, out, "Repository#query")
	assert.Contains(t, out, "2 threads, 4 samples")
}

func TestReplay_RequiresInput(t *testing.T) {
	_, err := execute(t, "replay")
	assert.Error(t, err)
}

func TestReplay_MissingDumpFails(t *testing.T) {
	_, err := execute(t, "replay", filepath.Join(t.TempDir(), "missing.jfr"))
	assert.Error(t, err)
}

func TestWatch_UnknownSourceFails(t *testing.T) {
	t.Cleanup(func() { configPath = "" })
	content := `storage:
  local_path: ` + filepath.ToSlash(t.TempDir()) + `
sources:
  - type: ftp
    name: legacy
    enabled: true
`
	path := testutil.WriteTempFile(t, "spanprof.yaml", []byte(content))

	_, err := execute(t, "watch", "-c", path, "--stats-interval", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source type: ftp")
}

func TestUpload_RefusesExistingKey(t *testing.T) {
	t.Cleanup(func() {
		configPath = ""
		uploadOverwrite = false
		uploadCompression = "zstd"
	})
	storeDir := t.TempDir()
	cfgFile := testutil.WriteTempFile(t, "spanprof.yaml", []byte("storage:\n  local_path: "+filepath.ToSlash(storeDir)+"\n"))
	dump := testutil.WriteTempFile(t, "app.traces", []byte(testutil.TracesFixture))

	_, err := execute(t, "upload", "-c", cfgFile, "--compression", "gzip", dump, "host/app.traces")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(storeDir, "host", "app.traces.gz"))

	_, err = execute(t, "upload", "-c", cfgFile, "--compression", "gzip", dump, "host/app.traces")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "upload", "-c", cfgFile, "--compression", "gzip", "--overwrite", dump, "host/app.traces")
	require.NoError(t, err)
}
