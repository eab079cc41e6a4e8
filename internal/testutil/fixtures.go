// Package testutil provides utilities for testing.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTempFile writes data to a file named name in a fresh temp dir and returns its path.
func WriteTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write fixture %s: %v", name, err)
	}
	return path
}

// TracesFixture is a small async-profiler traces dump: three samples on
// thread 42 and one on thread 7.
const TracesFixture = `--- Execution profile ---
Total samples       : 4

--- 30000000 ns (75.00%), 3 samples
  [ 0] com.example.Repository.query_[j]
  [ 1] com.example.Service.handle_[j]
  [ 2] java.lang.Thread.run_[j]
  [ 3] [http-nio-8080-exec-1 tid=42]

--- 10000000 ns (25.00%), 1 samples
  [ 0] __GI___poll
  [ 1] com.example.Worker.loop_[i]
  [ 2] [worker tid=7]

`
