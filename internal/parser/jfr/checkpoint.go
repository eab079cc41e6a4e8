package jfr

import (
	"fmt"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/reader"
	"github.com/span-profiler/pkg/utils"
)

// Thread is an entry of the thread pool.
type Thread struct {
	OSName       string
	OSThreadID   int64
	JavaName     string
	JavaThreadID int64
}

// Name returns the most descriptive thread name.
func (t *Thread) Name() string {
	if t.JavaName != "" {
		return t.JavaName
	}
	return t.OSName
}

// pools holds the constant pools of a chunk. Small pools are decoded eagerly;
// stack traces, methods, classes and symbols are kept as file offsets.
type pools struct {
	threads      map[int64]*Thread
	frameTypes   map[int64]string
	threadStates map[int64]string

	stackTraces map[int64]int64
	methods     map[int64]int64
	classes     map[int64]int64
	symbols     map[int64]int64
}

func newPools() *pools {
	return &pools{
		threads:      make(map[int64]*Thread),
		frameTypes:   make(map[int64]string),
		threadStates: make(map[int64]string),
		stackTraces:  make(map[int64]int64),
		methods:      make(map[int64]int64),
		classes:      make(map[int64]int64),
		symbols:      make(map[int64]int64),
	}
}

// readCheckpoints walks the checkpoint chain starting at the header's offset.
func readCheckpoints(r *reader.Reader, h *Header, logger utils.Logger) (*pools, error) {
	p := newPools()
	seen := make(map[int64]bool)

	for pos := h.CPOffset; ; {
		if seen[pos] {
			return nil, fmt.Errorf("%w: checkpoint chain loops at %d", parser.ErrInvalidFormat, pos)
		}
		seen[pos] = true

		delta, err := p.readCheckpoint(r, pos, h.ChunkSize, logger)
		if err != nil {
			return nil, err
		}
		if delta == 0 {
			return p, nil
		}
		pos += delta
		if pos < HeaderSize || pos >= h.ChunkSize {
			return nil, fmt.Errorf("%w: checkpoint delta leads to %d", parser.ErrInvalidFormat, pos)
		}
	}
}

// readCheckpoint reads the pools of one checkpoint and returns the delta to
// the next. Pools are read up to the first one of an unknown type; its
// layout is unknown, so the rest of the checkpoint is skipped.
func (p *pools) readCheckpoint(r *reader.Reader, pos, chunkEnd int64, logger utils.Logger) (int64, error) {
	if err := r.Seek(pos); err != nil {
		return 0, fmt.Errorf("%w: %v", parser.ErrInvalidFormat, err)
	}

	size, err := r.ReadVarI64()
	if err != nil {
		return 0, formatErr("checkpoint size", err)
	}
	if size <= 0 || pos+size > chunkEnd {
		return 0, fmt.Errorf("%w: checkpoint at %d has size %d", parser.ErrInvalidFormat, pos, size)
	}
	typ, err := r.ReadVarI64()
	if err != nil {
		return 0, formatErr("checkpoint type", err)
	}
	if typ != EventCheckpoint {
		return 0, fmt.Errorf("%w: expected checkpoint at %d, found event type %d", parser.ErrInvalidFormat, pos, typ)
	}

	// start time, duration
	for i := 0; i < 2; i++ {
		if _, err := r.ReadVarint(); err != nil {
			return 0, formatErr("checkpoint timing", err)
		}
	}
	delta, err := r.ReadVarI64()
	if err != nil {
		return 0, formatErr("checkpoint delta", err)
	}
	if _, err := r.ReadU8(); err != nil { // type mask
		return 0, formatErr("checkpoint type mask", err)
	}

	poolCount, err := r.ReadCount(2)
	if err != nil {
		return 0, formatErr("pool count", err)
	}
	for i := 0; i < poolCount; i++ {
		typ, known, err := p.readPool(r)
		if err != nil {
			return 0, err
		}
		if !known {
			logger.Debug("jfr checkpoint at %d: skipping constant pool type %d and %d pools after it", pos, typ, poolCount-i-1)
			break
		}
		if r.Position() > pos+size {
			return 0, fmt.Errorf("%w: checkpoint at %d overruns its size", parser.ErrInvalidFormat, pos)
		}
	}
	return delta, nil
}

// readPool reads one constant pool. An unknown pool type is reported with
// known == false and its entries are left unread.
func (p *pools) readPool(r *reader.Reader) (typ int64, known bool, err error) {
	typ, err = r.ReadVarI64()
	if err != nil {
		return typ, false, formatErr("pool type", err)
	}
	count, err := r.ReadCount(1)
	if err != nil {
		return typ, false, formatErr("pool size", err)
	}

	var read func(*reader.Reader) error
	switch typ {
	case PoolThread:
		read = p.readThread
	case PoolFrameType:
		read = func(r *reader.Reader) error { return readNamed(r, p.frameTypes) }
	case PoolThreadState:
		read = func(r *reader.Reader) error { return readNamed(r, p.threadStates) }
	case PoolStackTrace:
		read = p.readStackTraceOffset
	case PoolMethod:
		read = func(r *reader.Reader) error { return recordOffset(r, p.methods, 5) }
	case PoolClass:
		read = func(r *reader.Reader) error { return recordOffset(r, p.classes, 4) }
	case PoolPackage:
		read = func(r *reader.Reader) error { return recordOffset(r, nil, 1) }
	case PoolSymbol:
		read = p.readSymbolOffset
	default:
		return typ, false, nil
	}

	for i := 0; i < count; i++ {
		if err := read(r); err != nil {
			return typ, true, formatErr(fmt.Sprintf("pool %d entry %d", typ, i), err)
		}
	}
	return typ, true, nil
}

func (p *pools) readThread(r *reader.Reader) error {
	id, err := r.ReadVarI64()
	if err != nil {
		return err
	}
	t := &Thread{}
	if t.OSName, err = r.ReadString(); err != nil {
		return err
	}
	if t.OSThreadID, err = r.ReadVarI64(); err != nil {
		return err
	}
	if t.JavaName, err = r.ReadString(); err != nil {
		return err
	}
	if t.JavaThreadID, err = r.ReadVarI64(); err != nil {
		return err
	}
	if _, err = r.ReadVarint(); err != nil { // thread group
		return err
	}
	p.threads[id] = t
	return nil
}

func readNamed(r *reader.Reader, into map[int64]string) error {
	id, err := r.ReadVarI64()
	if err != nil {
		return err
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	into[id] = name
	return nil
}

// recordOffset stores the offset of an entry's body and skips its varint fields.
func recordOffset(r *reader.Reader, into map[int64]int64, fields int) error {
	id, err := r.ReadVarI64()
	if err != nil {
		return err
	}
	if into != nil {
		into[id] = r.Position()
	}
	for i := 0; i < fields; i++ {
		if _, err := r.ReadVarint(); err != nil {
			return err
		}
	}
	return nil
}

func (p *pools) readStackTraceOffset(r *reader.Reader) error {
	id, err := r.ReadVarI64()
	if err != nil {
		return err
	}
	p.stackTraces[id] = r.Position()
	_, err = skipStackTrace(r)
	return err
}

// frameMinSize is the smallest encoding of a stack frame: three one-byte
// varints and the frame type byte.
const frameMinSize = 4

func skipStackTrace(r *reader.Reader) (int, error) {
	if _, err := r.ReadVarint(); err != nil { // truncated
		return 0, err
	}
	n, err := r.ReadCount(frameMinSize)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		// method, line, bci
		for j := 0; j < 3; j++ {
			if _, err := r.ReadVarint(); err != nil {
				return 0, err
			}
		}
		if _, err := r.ReadU8(); err != nil { // frame type
			return 0, err
		}
	}
	return n, nil
}

func (p *pools) readSymbolOffset(r *reader.Reader) error {
	id, err := r.ReadVarI64()
	if err != nil {
		return err
	}
	p.symbols[id] = r.Position()
	_, err = r.ReadString()
	return err
}

func formatErr(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", parser.ErrInvalidFormat, what, err)
}
