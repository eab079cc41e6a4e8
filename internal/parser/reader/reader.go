// Package reader provides a buffered, seekable reader for trace dump files.
//
// The reader keeps a bounded window of the file in memory and refills it from
// the underlying io.ReaderAt whenever a read would cross the window. Absolute
// seeks that land inside the window do not touch the file.
package reader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf16"

	"golang.org/x/exp/mmap"
)

// DefaultBufferSize is the window size used when none is given.
const DefaultBufferSize = 64 * 1024

const minBufferSize = 64

// JFR string encodings.
const (
	StringNull     byte = 0
	StringEmpty    byte = 1
	StringConstant byte = 2
	StringUTF8     byte = 3
	StringUTF16    byte = 4
	StringLatin1   byte = 5
)

var (
	// ErrSeekOutOfRange is returned when a seek target lies outside the file.
	ErrSeekOutOfRange = errors.New("seek out of range")

	// ErrLengthOutOfRange is returned when a length or count read from the
	// file is negative or cannot fit in the bytes left.
	ErrLengthOutOfRange = errors.New("length out of range")
)

// Reader reads typed big-endian values from a bounded window over a file.
// It is not safe for concurrent use.
type Reader struct {
	src    io.ReaderAt
	size   int64
	closer io.Closer

	buf      []byte
	bufStart int64 // file offset of buf[0]
	bufLen   int   // valid bytes in buf
	pos      int   // read position within buf

	refills int
}

// New creates a Reader over src, which holds size bytes.
func New(src io.ReaderAt, size int64, bufferSize int) *Reader {
	if bufferSize < minBufferSize {
		bufferSize = DefaultBufferSize
	}
	return &Reader{
		src:  src,
		size: size,
		buf:  make([]byte, bufferSize),
	}
}

// Open opens path for reading, memory-mapping it when useMmap is set.
func Open(path string, bufferSize int, useMmap bool) (*Reader, error) {
	if useMmap {
		m, err := mmap.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to map %s: %w", path, err)
		}
		r := New(m, int64(m.Len()), bufferSize)
		r.closer = m
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	r := New(f, st.Size(), bufferSize)
	r.closer = f
	return r, nil
}

// Close releases the underlying file or mapping.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Size returns the total size of the underlying data.
func (r *Reader) Size() int64 {
	return r.size
}

// Position returns the absolute read position.
func (r *Reader) Position() int64 {
	return r.bufStart + int64(r.pos)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int64 {
	return r.size - r.Position()
}

// Refills returns how many times the window was loaded from the source.
func (r *Reader) Refills() int {
	return r.refills
}

// Seek moves to an absolute position. Targets inside the current window only
// move the cursor.
func (r *Reader) Seek(abs int64) error {
	if abs < 0 || abs > r.size {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrSeekOutOfRange, abs, r.size)
	}
	if abs >= r.bufStart && abs <= r.bufStart+int64(r.bufLen) {
		r.pos = int(abs - r.bufStart)
		return nil
	}
	r.bufStart = abs
	r.bufLen = 0
	r.pos = 0
	return nil
}

// Skip advances the position by n bytes.
func (r *Reader) Skip(n int64) error {
	if n < 0 {
		return fmt.Errorf("negative skip %d", n)
	}
	if r.Position()+n > r.size {
		return io.ErrUnexpectedEOF
	}
	return r.Seek(r.Position() + n)
}

// fill makes at least n bytes available at r.pos.
func (r *Reader) fill(n int) error {
	if r.bufLen-r.pos >= n {
		return nil
	}
	abs := r.Position()
	if abs+int64(n) > r.size {
		if abs >= r.size {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	}
	if n > len(r.buf) {
		r.buf = make([]byte, n)
	}

	want := int64(len(r.buf))
	if left := r.size - abs; left < want {
		want = left
	}
	read, err := r.src.ReadAt(r.buf[:want], abs)
	if read < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("refill at %d: %w", abs, err)
	}
	r.bufStart = abs
	r.bufLen = read
	r.pos = 0
	r.refills++
	return nil
}

// ReadU8 reads one byte.
func (r *Reader) ReadU8() (byte, error) {
	if err := r.fill(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadU16 reads a big-endian uint16.
func (r *Reader) ReadU16() (uint16, error) {
	if err := r.fill(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadU32 reads a big-endian uint32.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.fill(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadU64 reads a big-endian uint64.
func (r *Reader) ReadU64() (uint64, error) {
	if err := r.fill(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadI32 reads a big-endian int32.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadI64 reads a big-endian int64.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

// ReadBytes reads n bytes into a new slice.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || int64(n) > r.Remaining() {
		return nil, fmt.Errorf("%w: %d bytes at %d", ErrLengthOutOfRange, n, r.Position())
	}
	if err := r.fill(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// ReadVarint reads an unsigned LEB128 value of at most nine bytes; the ninth
// byte contributes all eight bits.
func (r *Reader) ReadVarint() (uint64, error) {
	var result uint64
	for shift := uint(0); shift < 56; shift += 7 {
		b, err := r.ReadU8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
	}
	b, err := r.ReadU8()
	if err != nil {
		return 0, err
	}
	return result | uint64(b)<<56, nil
}

// ReadVarI64 reads a varint as int64.
func (r *Reader) ReadVarI64() (int64, error) {
	v, err := r.ReadVarint()
	return int64(v), err
}

// ReadVarInt reads a varint as int.
func (r *Reader) ReadVarInt() (int, error) {
	v, err := r.ReadVarint()
	return int(v), err
}

// ReadCount reads a varint count of items that each occupy at least
// minSize bytes, and rejects counts the rest of the file cannot hold.
func (r *Reader) ReadCount(minSize int) (int, error) {
	at := r.Position()
	v, err := r.ReadVarint()
	if err != nil {
		return 0, err
	}
	if minSize < 1 {
		minSize = 1
	}
	if v > uint64(r.Remaining())/uint64(minSize) {
		return 0, fmt.Errorf("%w: count %d at %d", ErrLengthOutOfRange, int64(v), at)
	}
	return int(v), nil
}

// ReadString reads a JFR encoded string. Constant pool references resolve to "".
func (r *Reader) ReadString() (string, error) {
	enc, err := r.ReadU8()
	if err != nil {
		return "", err
	}
	switch enc {
	case StringNull, StringEmpty:
		return "", nil
	case StringConstant:
		_, err := r.ReadVarint()
		return "", err
	case StringUTF8:
		n, err := r.ReadCount(1)
		if err != nil {
			return "", err
		}
		b, err := r.ReadBytes(n)
		return string(b), err
	case StringUTF16:
		n, err := r.ReadCount(1) // one varint per char
		if err != nil {
			return "", err
		}
		chars := make([]uint16, n)
		for i := range chars {
			c, err := r.ReadVarint()
			if err != nil {
				return "", err
			}
			chars[i] = uint16(c)
		}
		return string(utf16.Decode(chars)), nil
	case StringLatin1:
		n, err := r.ReadCount(1)
		if err != nil {
			return "", err
		}
		b, err := r.ReadBytes(n)
		if err != nil {
			return "", err
		}
		runes := make([]rune, n)
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	default:
		return "", fmt.Errorf("unknown string encoding %d at %d", enc, r.Position()-1)
	}
}

// ReadLine reads up to and excluding the next '\n' (and a preceding '\r').
// The last line of the data need not be terminated. Returns io.EOF when no
// bytes are left.
func (r *Reader) ReadLine() (string, error) {
	if r.Remaining() <= 0 {
		return "", io.EOF
	}
	scanned := 0
	for {
		window := r.buf[r.pos+scanned : r.bufLen]
		if i := bytes.IndexByte(window, '\n'); i >= 0 {
			end := r.pos + scanned + i
			line := string(bytes.TrimSuffix(r.buf[r.pos:end], []byte{'\r'}))
			r.pos = end + 1
			return line, nil
		}
		scanned = r.bufLen - r.pos
		if r.Position()+int64(scanned) >= r.size {
			line := string(bytes.TrimSuffix(r.buf[r.pos:r.bufLen], []byte{'\r'}))
			r.pos = r.bufLen
			return line, nil
		}
		need := scanned + 1
		if need < len(r.buf) {
			need = len(r.buf)
		}
		if left := r.Remaining(); int64(need) > left {
			need = int(left)
		}
		if need > len(r.buf) {
			grown := make([]byte, 2*len(r.buf))
			if len(grown) < need {
				grown = make([]byte, need)
			}
			r.buf = grown
		}
		// force a refill anchored at the line start
		r.bufLen = r.pos
		if err := r.fill(need); err != nil {
			return "", err
		}
	}
}
