// Package compression provides decompression of fetched trace dumps.
package compression

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Type represents the compression algorithm used.
type Type uint8

const (
	// TypeGzip is gzip compression.
	TypeGzip Type = 0
	// TypeZstd is zstd compression.
	TypeZstd Type = 1
	// TypeNone represents no compression.
	TypeNone Type = 255
)

// String returns the human-readable name of the type.
func (t Type) String() string {
	switch t {
	case TypeGzip:
		return "gzip"
	case TypeZstd:
		return "zstd"
	default:
		return "none"
	}
}

// DetectType detects the compression type from magic bytes.
// Returns TypeGzip for gzip (0x1f 0x8b), TypeZstd for zstd (0x28 0xb5 0x2f 0xfd).
func DetectType(data []byte) Type {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		return TypeZstd
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return TypeGzip
	}
	return TypeNone
}

// TypeFromName guesses the compression type from a file name extension.
func TypeFromName(name string) Type {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return TypeGzip
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".zstd"):
		return TypeZstd
	default:
		return TypeNone
	}
}

// TrimExtension strips a compression extension from name.
func TrimExtension(name string) string {
	for _, ext := range []string{".gz", ".zstd", ".zst"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewReader wraps r with a streaming decompressor for the given type.
func NewReader(r io.Reader, t Type) (io.ReadCloser, error) {
	switch t {
	case TypeGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gr, nil
	case TypeZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zstdReadCloser{zr}, nil
	case TypeNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// NewWriter wraps w with a streaming compressor for the given type.
func NewWriter(w io.Writer, t Type) (io.WriteCloser, error) {
	switch t {
	case TypeGzip:
		return gzip.NewWriter(w), nil
	case TypeZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case TypeNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// AutoReader sniffs the magic bytes of r and returns a decompressing reader.
func AutoReader(r io.Reader) (io.ReadCloser, Type, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, TypeNone, fmt.Errorf("failed to sniff compression: %w", err)
	}
	t := DetectType(head)
	rc, err := NewReader(br, t)
	return rc, t, err
}

// DecompressFile decompresses src into dst, detecting the compression from
// the content. Uncompressed input is copied unchanged.
func DecompressFile(src, dst string) (Type, error) {
	in, err := os.Open(src)
	if err != nil {
		return TypeNone, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	rc, t, err := AutoReader(in)
	if err != nil {
		return t, err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return t, fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return t, fmt.Errorf("failed to decompress %s: %w", src, err)
	}
	return t, out.Close()
}
