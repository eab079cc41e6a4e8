package reader

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putVarint(buf *bytes.Buffer, v uint64) {
	for i := 0; i < 8; i++ {
		if v < 0x80 {
			buf.WriteByte(byte(v))
			return
		}
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func newReader(data []byte, bufferSize int) *Reader {
	return New(bytes.NewReader(data), int64(len(data)), bufferSize)
}

func TestReader_FixedWidth(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0xAB)
	binary.Write(&buf, binary.BigEndian, uint16(0x1234))
	binary.Write(&buf, binary.BigEndian, uint32(0xDEADBEEF))
	binary.Write(&buf, binary.BigEndian, int64(-42))
	binary.Write(&buf, binary.BigEndian, int32(-7))

	r := newReader(buf.Bytes(), 0)

	b, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)

	u16, err := r.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), u16)

	u32, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	i64, err := r.ReadI64()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i64)

	i32, err := r.ReadI32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	_, err = r.ReadU8()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_RefillAcrossWindow(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(0); i < 100; i++ {
		binary.Write(&buf, binary.BigEndian, i)
	}
	r := newReader(buf.Bytes(), 64)

	for i := uint64(0); i < 100; i++ {
		v, err := r.ReadU64()
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	assert.Greater(t, r.Refills(), 1)
	assert.Equal(t, int64(0), r.Remaining())
}

func TestReader_TruncatedValue(t *testing.T) {
	r := newReader([]byte{1, 2, 3}, 0)

	_, err := r.ReadU32()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_Varint(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 21, 1<<56 - 1, 1 << 56, ^uint64(0)}
	var buf bytes.Buffer
	for _, v := range values {
		putVarint(&buf, v)
	}
	r := newReader(buf.Bytes(), 64)

	for _, want := range values {
		got, err := r.ReadVarint()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReader_Strings(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(StringNull)
	buf.WriteByte(StringEmpty)
	buf.WriteByte(StringUTF8)
	putVarint(&buf, 5)
	buf.WriteString("hello")
	buf.WriteByte(StringLatin1)
	putVarint(&buf, 2)
	buf.Write([]byte{'a', 0xE9})
	buf.WriteByte(StringUTF16)
	putVarint(&buf, 2)
	putVarint(&buf, 'o')
	putVarint(&buf, 'k')
	buf.WriteByte(StringConstant)
	putVarint(&buf, 9)
	buf.WriteByte(42)

	r := newReader(buf.Bytes(), 0)
	for _, want := range []string{"", "", "hello", "aé", "ok", ""} {
		got, err := r.ReadString()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadString()
	assert.Error(t, err)
}

func TestReader_StringLengthBeyondFile(t *testing.T) {
	huge := bytes.Repeat([]byte{0xff}, 9)
	for _, enc := range []byte{StringUTF8, StringUTF16, StringLatin1} {
		data := append([]byte{enc}, huge...)
		_, err := newReader(data, 0).ReadString()
		assert.ErrorIs(t, err, ErrLengthOutOfRange, "encoding %d", enc)
	}

	// a plausible length that the file cannot back
	var buf bytes.Buffer
	buf.WriteByte(StringUTF8)
	putVarint(&buf, 100)
	buf.WriteString("short")
	_, err := newReader(buf.Bytes(), 0).ReadString()
	assert.ErrorIs(t, err, ErrLengthOutOfRange)
}

func TestReader_ReadCount(t *testing.T) {
	var buf bytes.Buffer
	putVarint(&buf, 2)
	buf.Write(make([]byte, 8))

	n, err := newReader(buf.Bytes(), 0).ReadCount(4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = newReader(buf.Bytes(), 0).ReadCount(5)
	assert.ErrorIs(t, err, ErrLengthOutOfRange)

	_, err = newReader(bytes.Repeat([]byte{0xff}, 9), 0).ReadCount(1)
	assert.ErrorIs(t, err, ErrLengthOutOfRange)

	_, err = newReader([]byte{1, 2, 3}, 0).ReadBytes(-1)
	assert.ErrorIs(t, err, ErrLengthOutOfRange)
}

func TestReader_LongStringGrowsWindow(t *testing.T) {
	long := strings.Repeat("x", 500)
	var buf bytes.Buffer
	buf.WriteByte(StringUTF8)
	putVarint(&buf, uint64(len(long)))
	buf.WriteString(long)

	r := newReader(buf.Bytes(), 64)
	got, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestReader_SeekInsideWindowDoesNotRefill(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	r := newReader(data, 128)

	b, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(0), b)
	refills := r.Refills()

	require.NoError(t, r.Seek(100))
	b, err = r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(100), b)

	require.NoError(t, r.Seek(5))
	b, err = r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(5), b)
	assert.Equal(t, refills, r.Refills())

	require.NoError(t, r.Seek(200))
	b, err = r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(200), b)
	assert.Equal(t, refills+1, r.Refills())

	assert.ErrorIs(t, r.Seek(257), ErrSeekOutOfRange)
	assert.ErrorIs(t, r.Seek(-1), ErrSeekOutOfRange)
}

func TestReader_Skip(t *testing.T) {
	r := newReader([]byte{0, 1, 2, 3, 4, 5}, 0)

	require.NoError(t, r.Skip(4))
	assert.Equal(t, int64(4), r.Position())
	b, err := r.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, byte(4), b)

	assert.ErrorIs(t, r.Skip(10), io.ErrUnexpectedEOF)
	assert.Error(t, r.Skip(-1))
}

func TestReader_ReadLine(t *testing.T) {
	long := strings.Repeat("frame", 40)
	content := "first\r\n\nthird " + long + "\nlast"
	r := newReader([]byte(content), 64)

	var lines []string
	for {
		line, err := r.ReadLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}

	assert.Equal(t, []string{"first", "", "third " + long, "last"}, lines)
}

func TestReader_ReadLinePositionAndSeekBack(t *testing.T) {
	r := newReader([]byte("alpha\nbeta\ngamma\n"), 64)

	_, err := r.ReadLine()
	require.NoError(t, err)
	mark := r.Position()
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "beta", line)

	require.NoError(t, r.Seek(mark))
	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "beta", line)
}

func TestOpen_FileAndMmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 9}, 0644))

	for _, useMmap := range []bool{false, true} {
		r, err := Open(path, 0, useMmap)
		require.NoError(t, err)
		assert.Equal(t, int64(4), r.Size())

		v, err := r.ReadU32()
		require.NoError(t, err)
		assert.Equal(t, uint32(9), v)
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
	}
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), 0, false)
	assert.Error(t, err)
}
