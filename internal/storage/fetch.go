package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/span-profiler/pkg/compression"
)

// FetchDump downloads the dump stored at key into dir and returns the local
// path. Gzip and zstd dumps are decompressed on the way; compression is
// detected from the content, and a .gz/.zst/.zstd suffix is dropped from the
// local name.
func FetchDump(ctx context.Context, s Storage, key, dir string) (string, compression.Type, error) {
	src, err := s.Download(ctx, key)
	if err != nil {
		return "", compression.TypeNone, err
	}
	defer src.Close()

	rc, t, err := compression.AutoReader(src)
	if err != nil {
		return "", t, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer rc.Close()

	local := filepath.Join(dir, compression.TrimExtension(path.Base(key)))
	if err := writeFile(local, rc); err != nil {
		os.Remove(local)
		return "", t, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	return local, t, nil
}

// UploadCompressed stores the content of r at key, compressed with t.
func UploadCompressed(ctx context.Context, s Storage, key string, r io.Reader, t compression.Type) error {
	pr, pw := io.Pipe()
	go func() {
		w, err := compression.NewWriter(pw, t)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()

	err := s.Upload(ctx, key, pr)
	pr.Close()
	return err
}
