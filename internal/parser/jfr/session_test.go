package jfr

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/internal/testutil"
	"github.com/span-profiler/pkg/filter"
)

func openBytes(t *testing.T, data []byte, opts ...parser.Option) parser.Session {
	t.Helper()
	path := testutil.WriteTempFile(t, "recording.jfr", data)
	s, err := NewOpener().Open(path, parser.Apply(opts...))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(t *testing.T, s parser.Session) []parser.SampleRecord {
	t.Helper()
	var out []parser.SampleRecord
	require.NoError(t, s.ForEachSample(context.Background(), func(rec parser.SampleRecord) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

func TestSession_Scenario(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())

	samples := collect(t, s)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(4242), samples[0].NativeThreadID)
	assert.Equal(t, int64(1), samples[0].StackTraceID)
	assert.Equal(t, int64(1_700_000_000_001_000_000), samples[0].Value)

	frames, err := s.ResolveStackTrace(1, false, nil)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	// leaf first
	assert.Equal(t, "com.example.OrderRepository", frames[0].ClassName)
	assert.Equal(t, "save", frames[0].MethodName)
	assert.Equal(t, "com.example.OrderService", frames[1].ClassName)
	assert.Equal(t, "place", frames[1].MethodName)
}

func TestSession_ResolveIsStable(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())

	first, err := s.ResolveStackTrace(1, true, nil)
	require.NoError(t, err)
	second, err := s.ResolveStackTrace(1, true, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	for i := range first {
		assert.Same(t, first[i], second[i])
	}
}

func TestSession_ResolveInterleavedWithIteration(t *testing.T) {
	data := testutil.NewRecordingWriter().
		Symbol(1, "a/A").Symbol(2, "run").
		Class(5, 1).Method(7, 5, 2).
		StackTrace(3, testutil.FrameRef{MethodID: 7, Type: testutil.FrameJIT}).
		Thread(1, "main", 11).
		Sample(1_000, 1, 3).
		Sample(2_000, 1, 3).
		Sample(3_000, 1, 3).
		Bytes()
	s := openBytes(t, data, parser.WithBufferSize(64))

	count := 0
	err := s.ForEachSample(context.Background(), func(rec parser.SampleRecord) error {
		frames, err := s.ResolveStackTrace(rec.StackTraceID, true, nil)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, "A#run", frames[0].Name())
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSession_JavaFramesOnlyAndFilter(t *testing.T) {
	data := testutil.NewRecordingWriter().
		Symbol(1, "com/example/Api").Symbol(2, "get").
		Symbol(3, "java/lang/Thread").Symbol(4, "run").
		Symbol(5, "epoll_wait").
		Class(10, 1).Class(11, 3).
		Method(100, 10, 2).Method(101, 11, 4).Method(102, 0, 5).
		StackTrace(9,
			testutil.FrameRef{MethodID: 102, Type: testutil.FrameNative},
			testutil.FrameRef{MethodID: 100, Type: testutil.FrameInlined},
			testutil.FrameRef{MethodID: 101, Type: testutil.FrameInterpreted}).
		Bytes()
	s := openBytes(t, data)

	all, err := s.ResolveStackTrace(9, false, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "", all[0].ClassName)
	assert.Equal(t, "epoll_wait", all[0].MethodName)

	java, err := s.ResolveStackTrace(9, true, nil)
	require.NoError(t, err)
	require.Len(t, java, 2)

	classes := filter.NewClassFilter(nil, []string{"(?-i)java.*"})
	filtered, err := s.ResolveStackTrace(9, true, classes)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Api#get", filtered[0].Name())
}

func TestSession_ResolutionMissesAreEmptyNames(t *testing.T) {
	data := testutil.NewRecordingWriter().
		Symbol(1, "known").
		Class(10, 99).      // symbol 99 missing
		Method(100, 10, 1). // class name unresolved
		Method(101, 77, 98).
		StackTrace(1,
			testutil.FrameRef{MethodID: 100, Type: testutil.FrameJIT},
			testutil.FrameRef{MethodID: 101, Type: testutil.FrameJIT},
			testutil.FrameRef{MethodID: 555, Type: testutil.FrameJIT}).
		Bytes()
	s := openBytes(t, data)

	frames, err := s.ResolveStackTrace(1, false, nil)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "", frames[0].ClassName)
	assert.Equal(t, "known", frames[0].MethodName)
	assert.Equal(t, "", frames[1].ClassName)
	assert.Equal(t, "", frames[1].MethodName)
	assert.Equal(t, "", frames[2].MethodName)
	assert.Greater(t, s.(*Session).UnresolvedReferences(), 0)
}

func TestSession_UnknownStackTrace(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())

	_, err := s.ResolveStackTrace(12345, false, nil)
	assert.ErrorIs(t, err, parser.ErrUnknownStackTrace)
}

func TestSession_SecondPassRejected(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())

	collect(t, s)
	err := s.ForEachSample(context.Background(), func(parser.SampleRecord) error { return nil })
	assert.ErrorIs(t, err, parser.ErrSessionConsumed)
}

func TestSession_SkipsOtherEvents(t *testing.T) {
	data := testutil.NewRecordingWriter().
		Symbol(1, "A").Symbol(2, "m").Class(1, 1).Method(1, 1, 2).
		StackTrace(1, testutil.FrameRef{MethodID: 1, Type: testutil.FrameJIT}).
		Event(102, []byte{1, 2, 3, 4, 5, 6}).
		Sample(10, 3, 1).
		Event(0, []byte{9, 9}).
		Sample(20, 3, 1).
		Bytes()
	s := openBytes(t, data)

	samples := collect(t, s)
	require.Len(t, samples, 2)
	// thread 3 is not in the pool, the JFR id is used as is
	assert.Equal(t, int64(3), samples[0].NativeThreadID)
}

func TestSession_CallbackErrorStops(t *testing.T) {
	data := testutil.NewRecordingWriter().Sample(1, 1, 1).Sample(2, 1, 1).Bytes()
	s := openBytes(t, data)
	stop := errors.New("stop")

	calls := 0
	err := s.ForEachSample(context.Background(), func(parser.SampleRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSession_ContextCanceled(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.ForEachSample(ctx, func(parser.SampleRecord) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_Info(t *testing.T) {
	s := openBytes(t, testutil.ScenarioRecording())

	info := s.Info()
	assert.Equal(t, parser.FormatJFR, info.Format)
	assert.True(t, info.ValueIsTimestamp)
	assert.Equal(t, time.Second, info.Duration)
	assert.Equal(t, int64(1_700_000_000_000_000_000), info.StartTime.UnixNano())
	assert.Equal(t, "http-nio-8080-exec-1", info.ThreadNames[4242])
}

func TestSession_SharedFrameRegistry(t *testing.T) {
	frames := stackframe.NewRegistry()
	a := openBytes(t, testutil.ScenarioRecording(), parser.WithFrameRegistry(frames))
	b := openBytes(t, testutil.ScenarioRecording(), parser.WithFrameRegistry(frames))

	fa, err := a.ResolveStackTrace(1, true, nil)
	require.NoError(t, err)
	fb, err := b.ResolveStackTrace(1, true, nil)
	require.NoError(t, err)
	assert.Same(t, fa[0], fb[0])
}

func TestOpen_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *testutil.RecordingWriter)
		data   []byte
	}{
		{name: "bad magic", mutate: func(w *testutil.RecordingWriter) { w.Magic = []byte("FLX\x00") }},
		{name: "major version", mutate: func(w *testutil.RecordingWriter) { w.Major = 1 }},
		{name: "minor version", mutate: func(w *testutil.RecordingWriter) { w.Minor = 9 }},
		{name: "zero ticks per second", mutate: func(w *testutil.RecordingWriter) { w.TicksPerSecond = 0 }},
		{name: "truncated header", data: []byte("FLR\x00\x00\x02")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			if data == nil {
				w := testutil.NewRecordingWriter().Symbol(1, "x")
				tt.mutate(w)
				data = w.Sample(1, 1, 1).Bytes()
			}
			path := testutil.WriteTempFile(t, "bad.jfr", data)

			_, err := NewOpener().Open(path, nil)
			assert.ErrorIs(t, err, parser.ErrInvalidFormat)
		})
	}
}

func TestOpen_CorruptFrameCount(t *testing.T) {
	for name, count := range map[string][]byte{
		"negative": bytes.Repeat([]byte{0xff}, 9),
		"too many": {0xe8, 0x07}, // 1000 frames, none present
	} {
		t.Run(name, func(t *testing.T) {
			data := testutil.NewRecordingWriter().
				Symbol(1, "a/A").Symbol(2, "run").
				Class(5, 1).Method(7, 5, 2).
				StackTraceRawCount(3, count).
				Thread(1, "main", 11).
				Sample(1_000, 1, 3).
				Bytes()
			path := testutil.WriteTempFile(t, "corrupt.jfr", data)

			var err error
			require.NotPanics(t, func() { _, err = NewOpener().Open(path, nil) })
			assert.ErrorIs(t, err, parser.ErrInvalidFormat)
		})
	}
}

func TestOpen_UnknownPoolEndsCheckpoint(t *testing.T) {
	// log level entries the reader has no layout for, then more pools after them
	logLevels := []byte{1, 3, 'i', 'n', 'f', 'o'}
	data := testutil.NewRecordingWriter().
		Symbol(1, "com/example/OrderService").Symbol(2, "place").
		Class(10, 1).Method(100, 10, 2).
		StackTrace(1, testutil.FrameRef{MethodID: 100, Type: testutil.FrameJIT}).
		Thread(1, "worker", 77).
		Pool(33, 1, logLevels).
		Pool(99, 3, []byte{0xde, 0xad}).
		Sample(1_000, 1, 1).
		Bytes()
	s := openBytes(t, data)

	samples := collect(t, s)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(77), samples[0].NativeThreadID)

	frames, err := s.ResolveStackTrace(1, false, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "com.example.OrderService", frames[0].ClassName)
	assert.Equal(t, "place", frames[0].MethodName)
}

func TestOpen_TruncatedChunk(t *testing.T) {
	data := testutil.ScenarioRecording()
	path := testutil.WriteTempFile(t, "cut.jfr", data[:len(data)-5])

	_, err := NewOpener().Open(path, nil)
	assert.ErrorIs(t, err, parser.ErrInvalidFormat)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := NewOpener().Open("/nonexistent/recording.jfr", nil)
	assert.ErrorIs(t, err, parser.ErrResource)
}

func TestOpener_Sniff(t *testing.T) {
	o := NewOpener()
	assert.Equal(t, parser.FormatJFR, o.Format())
	assert.True(t, o.Sniff([]byte("FLR\x00\x00\x02")))
	assert.False(t, o.Sniff([]byte("--- 1 ns")))
}

func TestHeader_TicksToNanos(t *testing.T) {
	h := &Header{StartNanos: 1000, StartTicks: 500, TicksPerSecond: 2}

	assert.Equal(t, int64(1000), h.TicksToNanos(500))
	assert.Equal(t, int64(1000+500_000_000), h.TicksToNanos(501))
	assert.Equal(t, int64(1000+3_000_000_000), h.TicksToNanos(506))
}

func TestIsJavaFrame(t *testing.T) {
	for _, typ := range []byte{FrameInterpreted, FrameJIT, FrameInlined, FrameC1Compiled} {
		assert.True(t, IsJavaFrame(typ))
	}
	for _, typ := range []byte{FrameNative, FrameCPP, FrameKernel} {
		assert.False(t, IsJavaFrame(typ))
	}
}
