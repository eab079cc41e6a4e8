package compression

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, typ Type, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, typ)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, TypeZstd, DetectType([]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}))
	assert.Equal(t, TypeGzip, DetectType([]byte{0x1f, 0x8b, 0x08}))
	assert.Equal(t, TypeNone, DetectType([]byte("FLR\x00")))
	assert.Equal(t, TypeNone, DetectType(nil))
}

func TestTypeFromName(t *testing.T) {
	assert.Equal(t, TypeGzip, TypeFromName("dump.jfr.gz"))
	assert.Equal(t, TypeZstd, TypeFromName("dump.jfr.zst"))
	assert.Equal(t, TypeNone, TypeFromName("dump.jfr"))
	assert.Equal(t, "dump.jfr", TrimExtension("dump.jfr.zst"))
	assert.Equal(t, "dump.txt", TrimExtension("dump.txt"))
}

func TestAutoReader_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("--- 1000000 ns (1.00%), 1 samples\n"), 50)

	for _, typ := range []Type{TypeGzip, TypeZstd, TypeNone} {
		t.Run(typ.String(), func(t *testing.T) {
			rc, detected, err := AutoReader(bytes.NewReader(compress(t, typ, payload)))
			require.NoError(t, err)
			defer rc.Close()

			assert.Equal(t, typ, detected)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestDecompressFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dump.zst")
	dst := filepath.Join(dir, "dump")
	payload := []byte("FLR\x00 payload")
	require.NoError(t, os.WriteFile(src, compress(t, TypeZstd, payload), 0644))

	typ, err := DecompressFile(src, dst)
	require.NoError(t, err)
	assert.Equal(t, TypeZstd, typ)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecompressFile_MissingSource(t *testing.T) {
	_, err := DecompressFile(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}
