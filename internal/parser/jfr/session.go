package jfr

import (
	"context"
	"fmt"
	"time"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/reader"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

// Opener opens JFR recordings.
type Opener struct{}

// NewOpener creates a JFR Opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Format returns parser.FormatJFR.
func (o *Opener) Format() parser.Format {
	return parser.FormatJFR
}

// Sniff reports whether head starts with the chunk magic.
func (o *Opener) Sniff(head []byte) bool {
	return Sniff(head)
}

// Open opens the recording at path.
func (o *Opener) Open(path string, opts *parser.Options) (parser.Session, error) {
	if opts == nil {
		opts = parser.Apply()
	}
	r, err := opts.OpenReader(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(r, opts.Frames, opts.Logger)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

// Session is an open JFR recording.
type Session struct {
	r        *reader.Reader
	header   *Header
	pools    *pools
	resolver *resolver
	logger   utils.Logger
	consumed bool
}

// NewSession reads the header and checkpoints of the recording behind r.
func NewSession(r *reader.Reader, frames *stackframe.Registry, logger utils.Logger) (*Session, error) {
	logger = utils.OrNull(logger)
	if frames == nil {
		frames = stackframe.NewRegistry()
	}

	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.ChunkSize < r.Size() {
		logger.Warn("recording has %d bytes after the first chunk, only one chunk is read", r.Size()-h.ChunkSize)
	}

	p, err := readCheckpoints(r, h, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("jfr chunk: %d threads, %d stack traces, %d methods, %d classes, %d symbols",
		len(p.threads), len(p.stackTraces), len(p.methods), len(p.classes), len(p.symbols))

	return &Session{
		r:        r,
		header:   h,
		pools:    p,
		resolver: newResolver(r, p, frames, logger),
		logger:   logger,
	}, nil
}

// Header returns the chunk header.
func (s *Session) Header() *Header {
	return s.header
}

// Threads returns the thread pool keyed by JFR thread id.
func (s *Session) Threads() map[int64]*Thread {
	return s.pools.threads
}

// Info returns recording metadata.
func (s *Session) Info() parser.SessionInfo {
	names := make(map[int64]string, len(s.pools.threads))
	for id, t := range s.pools.threads {
		names[s.nativeID(id)] = t.Name()
	}
	return parser.SessionInfo{
		Format:           parser.FormatJFR,
		StartTime:        time.Unix(0, s.header.StartNanos),
		Duration:         time.Duration(s.header.DurationNanos),
		ValueIsTimestamp: true,
		ThreadNames:      names,
	}
}

func (s *Session) nativeID(jfrThreadID int64) int64 {
	if t, ok := s.pools.threads[jfrThreadID]; ok && t.OSThreadID != 0 {
		return t.OSThreadID
	}
	return jfrThreadID
}

// ForEachSample streams execution samples in file order. Other events are
// skipped by their size.
func (s *Session) ForEachSample(ctx context.Context, fn parser.SampleFunc) error {
	if s.consumed {
		return parser.ErrSessionConsumed
	}
	s.consumed = true

	pos := int64(HeaderSize)
	end := s.header.ChunkSize
	for pos < end {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.r.Seek(pos); err != nil {
			return formatErr("event", err)
		}
		size, err := s.r.ReadVarI64()
		if err != nil {
			return formatErr("event size", err)
		}
		if size <= 0 || pos+size > end {
			return fmt.Errorf("%w: event at %d has size %d", parser.ErrInvalidFormat, pos, size)
		}
		typ, err := s.r.ReadVarI64()
		if err != nil {
			return formatErr("event type", err)
		}

		if typ == EventExecutionSample {
			rec, err := s.readSample()
			if err != nil {
				return formatErr(fmt.Sprintf("execution sample at %d", pos), err)
			}
			if s.r.Position() > pos+size {
				return fmt.Errorf("%w: execution sample at %d overruns its size", parser.ErrInvalidFormat, pos)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		pos += size
	}
	return nil
}

func (s *Session) readSample() (parser.SampleRecord, error) {
	ticks, err := s.r.ReadVarI64()
	if err != nil {
		return parser.SampleRecord{}, err
	}
	tid, err := s.r.ReadVarI64()
	if err != nil {
		return parser.SampleRecord{}, err
	}
	stackID, err := s.r.ReadVarI64()
	if err != nil {
		return parser.SampleRecord{}, err
	}
	if _, err := s.r.ReadVarint(); err != nil { // thread state
		return parser.SampleRecord{}, err
	}
	return parser.SampleRecord{
		NativeThreadID: s.nativeID(tid),
		StackTraceID:   stackID,
		Value:          s.header.TicksToNanos(ticks),
	}, nil
}

// ResolveStackTrace returns the frames of a stack trace, leaf first.
func (s *Session) ResolveStackTrace(stackTraceID int64, javaFramesOnly bool, classes *filter.ClassFilter) ([]*stackframe.Frame, error) {
	raw, err := s.resolver.stackTrace(stackTraceID)
	if err != nil {
		return nil, err
	}
	out := make([]*stackframe.Frame, 0, len(raw))
	for _, rf := range raw {
		if javaFramesOnly && !IsJavaFrame(rf.frameType) {
			continue
		}
		if classes != nil && !classes.Accept(rf.frame.ClassName) {
			continue
		}
		out = append(out, rf.frame)
	}
	return out, nil
}

// UnresolvedReferences returns how many pool lookups missed.
func (s *Session) UnresolvedReferences() int {
	return s.resolver.misses
}

// Close releases the recording.
func (s *Session) Close() error {
	return s.r.Close()
}
