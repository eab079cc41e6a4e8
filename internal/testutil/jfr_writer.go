package testutil

import (
	"bytes"
	"encoding/binary"
)

// Constant pool and event ids of the recordings built by RecordingWriter.
const (
	jfrEventCheckpoint = 1
	jfrEventSample     = 101

	jfrPoolClass      = 21
	jfrPoolThread     = 22
	jfrPoolFrameType  = 24
	jfrPoolStackTrace = 26
	jfrPoolMethod     = 28
	jfrPoolPackage    = 29
	jfrPoolSymbol     = 30
)

// JFR frame types.
const (
	FrameInterpreted byte = 0
	FrameJIT         byte = 1
	FrameInlined     byte = 2
	FrameNative      byte = 3
)

// FrameRef is one frame of a stack trace entry.
type FrameRef struct {
	MethodID int64
	Type     byte
}

type jfrPool struct {
	typ   int
	count int
	body  bytes.Buffer
}

// RecordingWriter builds single-chunk JFR recordings for tests.
type RecordingWriter struct {
	StartNanos     int64
	StartTicks     int64
	TicksPerSecond int64
	DurationNanos  int64
	Major, Minor   uint16
	// Magic overrides the chunk magic when set.
	Magic []byte

	events bytes.Buffer
	pools  []*jfrPool
	index  map[int]*jfrPool
}

// NewRecordingWriter creates a writer whose tick counter runs at 1 GHz from zero.
func NewRecordingWriter() *RecordingWriter {
	return &RecordingWriter{
		StartNanos:     1_700_000_000_000_000_000,
		TicksPerSecond: 1_000_000_000,
		DurationNanos:  1_000_000_000,
		Major:          2,
		Minor:          1,
		index:          make(map[int]*jfrPool),
	}
}

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

func putString(buf *bytes.Buffer, s string) {
	if s == "" {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(3)
	putVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

// paddedVarint encodes v in exactly five bytes so event sizes can be known up front.
func paddedVarint(v uint64) []byte {
	out := make([]byte, 5)
	for i := 0; i < 4; i++ {
		out[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	out[4] = byte(v & 0x7f)
	return out
}

func event(typ int, body []byte) []byte {
	var head bytes.Buffer
	putVarint(&head, uint64(typ))
	size := 5 + head.Len() + len(body)
	out := append(paddedVarint(uint64(size)), head.Bytes()...)
	return append(out, body...)
}

func (w *RecordingWriter) pool(typ int) *jfrPool {
	p, ok := w.index[typ]
	if !ok {
		p = &jfrPool{typ: typ}
		w.index[typ] = p
		w.pools = append(w.pools, p)
	}
	p.count++
	return p
}

// Symbol adds a symbol pool entry.
func (w *RecordingWriter) Symbol(id int64, s string) *RecordingWriter {
	p := w.pool(jfrPoolSymbol)
	putVarint(&p.body, uint64(id))
	putString(&p.body, s)
	return w
}

// Class adds a class entry whose name is the symbol nameSymbol.
func (w *RecordingWriter) Class(id, nameSymbol int64) *RecordingWriter {
	p := w.pool(jfrPoolClass)
	for _, v := range []int64{id, 0, nameSymbol, 0, 1} { // id, loader, name, package, modifiers
		putVarint(&p.body, uint64(v))
	}
	return w
}

// Package adds a package entry.
func (w *RecordingWriter) Package(id, nameSymbol int64) *RecordingWriter {
	p := w.pool(jfrPoolPackage)
	putVarint(&p.body, uint64(id))
	putVarint(&p.body, uint64(nameSymbol))
	return w
}

// Method adds a method entry.
func (w *RecordingWriter) Method(id, classID, nameSymbol int64) *RecordingWriter {
	p := w.pool(jfrPoolMethod)
	for _, v := range []int64{id, classID, nameSymbol, 0, 1, 0} { // id, class, name, sig, modifiers, hidden
		putVarint(&p.body, uint64(v))
	}
	return w
}

// StackTrace adds a stack trace entry, frames leaf first.
func (w *RecordingWriter) StackTrace(id int64, frames ...FrameRef) *RecordingWriter {
	p := w.pool(jfrPoolStackTrace)
	putVarint(&p.body, uint64(id))
	putVarint(&p.body, 0) // truncated
	putVarint(&p.body, uint64(len(frames)))
	for i, f := range frames {
		putVarint(&p.body, uint64(f.MethodID))
		putVarint(&p.body, uint64(10+i)) // line
		putVarint(&p.body, 0)            // bci
		p.body.WriteByte(f.Type)
	}
	return w
}

// StackTraceRawCount adds a stack trace entry whose frame count is the given
// raw varint bytes and which has no frames.
func (w *RecordingWriter) StackTraceRawCount(id int64, count []byte) *RecordingWriter {
	p := w.pool(jfrPoolStackTrace)
	putVarint(&p.body, uint64(id))
	putVarint(&p.body, 0) // truncated
	p.body.Write(count)
	return w
}

// Pool adds a constant pool of any type with count entries encoded in body.
func (w *RecordingWriter) Pool(typ, count int, body []byte) *RecordingWriter {
	p := &jfrPool{typ: typ, count: count}
	p.body.Write(body)
	w.pools = append(w.pools, p)
	return w
}

// Thread adds a thread entry mapping a JFR thread id to an OS thread id.
func (w *RecordingWriter) Thread(id int64, name string, osThreadID int64) *RecordingWriter {
	p := w.pool(jfrPoolThread)
	putVarint(&p.body, uint64(id))
	putString(&p.body, name)
	putVarint(&p.body, uint64(osThreadID))
	putString(&p.body, name)
	putVarint(&p.body, uint64(id))
	putVarint(&p.body, 0) // group
	return w
}

// FrameTypeNames adds the frame type pool.
func (w *RecordingWriter) FrameTypeNames() *RecordingWriter {
	for i, name := range []string{"Interpreted", "JIT compiled", "Inlined", "Native"} {
		p := w.pool(jfrPoolFrameType)
		putVarint(&p.body, uint64(i))
		putString(&p.body, name)
	}
	return w
}

// Sample appends an execution sample event at the given offset from the recording start.
func (w *RecordingWriter) Sample(offsetNanos, threadID, stackTraceID int64) *RecordingWriter {
	var body bytes.Buffer
	ticks := w.StartTicks + offsetNanos*w.TicksPerSecond/1_000_000_000
	putVarint(&body, uint64(ticks))
	putVarint(&body, uint64(threadID))
	putVarint(&body, uint64(stackTraceID))
	putVarint(&body, 0) // thread state
	w.events.Write(event(jfrEventSample, body.Bytes()))
	return w
}

// Event appends an arbitrary event.
func (w *RecordingWriter) Event(typ int, payload []byte) *RecordingWriter {
	w.events.Write(event(typ, payload))
	return w
}

// Bytes returns the complete recording.
func (w *RecordingWriter) Bytes() []byte {
	var cp bytes.Buffer
	putVarint(&cp, 0)                    // start time
	putVarint(&cp, 0)                    // duration
	putVarint(&cp, 0)                    // delta to previous checkpoint
	cp.WriteByte(1)                      // type mask
	putVarint(&cp, uint64(len(w.pools))) // pool count
	for _, p := range w.pools {
		putVarint(&cp, uint64(p.typ))
		putVarint(&cp, uint64(p.count))
		cp.Write(p.body.Bytes())
	}
	checkpoint := event(jfrEventCheckpoint, cp.Bytes())

	const headerSize = 68
	cpOffset := int64(headerSize + w.events.Len())
	chunkSize := cpOffset + int64(len(checkpoint))

	var out bytes.Buffer
	magic := w.Magic
	if magic == nil {
		magic = []byte{'F', 'L', 'R', 0}
	}
	out.Write(magic)
	binary.Write(&out, binary.BigEndian, w.Major)
	binary.Write(&out, binary.BigEndian, w.Minor)
	for _, v := range []int64{chunkSize, cpOffset, 0, w.StartNanos, w.DurationNanos, w.StartTicks, w.TicksPerSecond} {
		binary.Write(&out, binary.BigEndian, v)
	}
	binary.Write(&out, binary.BigEndian, int32(1)) // features
	out.Write(w.events.Bytes())
	out.Write(checkpoint)
	return out.Bytes()
}

// ScenarioRecording returns a recording with 2 classes, 3 methods and one
// stack trace of 2 frames, sampled once on OS thread 4242.
func ScenarioRecording() []byte {
	return NewRecordingWriter().
		FrameTypeNames().
		Symbol(1, "com/example/OrderService").
		Symbol(2, "com/example/OrderRepository").
		Symbol(3, "place").
		Symbol(4, "save").
		Symbol(5, "unused").
		Class(10, 1).
		Class(11, 2).
		Method(100, 10, 3).
		Method(101, 11, 4).
		Method(102, 11, 5).
		StackTrace(1, FrameRef{MethodID: 101, Type: FrameJIT}, FrameRef{MethodID: 100, Type: FrameInterpreted}).
		Thread(1, "http-nio-8080-exec-1", 4242).
		Sample(1_000_000, 1, 1).
		Bytes()
}
