// Package traces reads the line-oriented "traces" output of async-profiler.
//
// Each sample starts with a header line
//
//	--- 30000000 ns (75.00%), 3 samples
//
// followed by indented frame lines, innermost first, and ends at a blank
// line or at a "[name tid=N]" line carrying the thread id. The file offset of
// the header line serves as the stack trace id.
package traces

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/reader"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

var (
	headerRe = regexp.MustCompile(`^--- (\d+) ns \(([\d.]+)%\), (\d+) samples?$`)
	frameRe  = regexp.MustCompile(`^\s*\[\s*\d+\] (.*)$`)
	threadRe = regexp.MustCompile(`^\[(.*?)\s*tid=(\d+)\]$`)
)

// Opener opens traces dumps.
type Opener struct{}

// NewOpener creates a traces Opener.
func NewOpener() *Opener {
	return &Opener{}
}

// Format returns parser.FormatTraces.
func (o *Opener) Format() parser.Format {
	return parser.FormatTraces
}

// Sniff accepts dumps that start with a "--- " line.
func (o *Opener) Sniff(head []byte) bool {
	return strings.HasPrefix(string(head), "--- ")
}

// Open opens the dump at path.
func (o *Opener) Open(path string, opts *parser.Options) (parser.Session, error) {
	if opts == nil {
		opts = parser.Apply()
	}
	r, err := opts.OpenReader(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(r, opts.Frames, opts.FrameCacheSize, opts.Logger)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

type stackEntry struct {
	frames     []parsedFrame
	threadID   int64
	threadName string
}

// Session is an open traces dump.
type Session struct {
	r        *reader.Reader
	cache    *frameCache
	logger   utils.Logger
	stacks   map[int64]*stackEntry
	threads  map[int64]string
	consumed bool
}

// NewSession creates a session over r.
func NewSession(r *reader.Reader, frames *stackframe.Registry, cacheSize uint32, logger utils.Logger) (*Session, error) {
	if frames == nil {
		frames = stackframe.NewRegistry()
	}
	if cacheSize == 0 {
		cacheSize = 8192
	}
	cache, err := newFrameCache(cacheSize, frames)
	if err != nil {
		return nil, fmt.Errorf("frame cache: %w", err)
	}
	return &Session{
		r:       r,
		cache:   cache,
		logger:  utils.OrNull(logger),
		stacks:  make(map[int64]*stackEntry),
		threads: make(map[int64]string),
	}, nil
}

// Info returns dump metadata. Thread names are known only after a pass.
func (s *Session) Info() parser.SessionInfo {
	names := make(map[int64]string, len(s.threads))
	for id, name := range s.threads {
		names[id] = name
	}
	return parser.SessionInfo{
		Format:      parser.FormatTraces,
		ThreadNames: names,
	}
}

// ForEachSample streams one record per sample header, in file order.
func (s *Session) ForEachSample(ctx context.Context, fn parser.SampleFunc) error {
	if s.consumed {
		return parser.ErrSessionConsumed
	}
	s.consumed = true

	if err := s.r.Seek(0); err != nil {
		return fmt.Errorf("%w: %v", parser.ErrResource, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		offset := s.r.Position()
		line, err := s.r.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", parser.ErrResource, err)
		}

		count, ok, err := parseHeader(line)
		if err != nil {
			return fmt.Errorf("%w: line at %d: %v", parser.ErrInvalidFormat, offset, err)
		}
		if !ok {
			continue
		}

		entry, err := s.readStack()
		if err != nil {
			return err
		}
		s.stacks[offset] = entry
		if entry.threadID != 0 && entry.threadName != "" {
			s.threads[entry.threadID] = entry.threadName
		}

		if err := fn(parser.SampleRecord{
			NativeThreadID: entry.threadID,
			StackTraceID:   offset,
			Value:          count,
		}); err != nil {
			return err
		}
	}
}

// parseHeader recognizes a sample header and returns its sample count.
func parseHeader(line string) (int64, bool, error) {
	if !strings.HasPrefix(line, "--- ") {
		return 0, false, nil
	}
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		// section banners such as "--- Execution profile ---"
		return 0, false, nil
	}
	count, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("sample count %q: %w", m[3], err)
	}
	return count, true, nil
}

// readStack reads frame lines after a header. A line that is neither a frame
// nor a terminator is left unread for the caller.
func (s *Session) readStack() (*stackEntry, error) {
	entry := &stackEntry{}
	for {
		mark := s.r.Position()
		line, err := s.r.ReadLine()
		if err == io.EOF {
			return entry, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", parser.ErrResource, err)
		}
		if strings.TrimSpace(line) == "" {
			return entry, nil
		}

		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			if err := s.r.Seek(mark); err != nil {
				return nil, fmt.Errorf("%w: %v", parser.ErrResource, err)
			}
			return entry, nil
		}

		text := m[1]
		if t := threadRe.FindStringSubmatch(text); t != nil {
			tid, err := strconv.ParseInt(t[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: thread id %q", parser.ErrInvalidFormat, t[2])
			}
			entry.threadID = tid
			entry.threadName = t[1]
			return entry, nil
		}
		entry.frames = append(entry.frames, s.cache.parse(text))
	}
}

// ResolveStackTrace returns the frames recorded under a header offset, leaf
// first. Offsets not yet reached by a pass are read on demand.
func (s *Session) ResolveStackTrace(stackTraceID int64, javaFramesOnly bool, classes *filter.ClassFilter) ([]*stackframe.Frame, error) {
	entry, ok := s.stacks[stackTraceID]
	if !ok {
		var err error
		entry, err = s.readStackAt(stackTraceID)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*stackframe.Frame, 0, len(entry.frames))
	for _, pf := range entry.frames {
		if javaFramesOnly && !pf.java {
			continue
		}
		if classes != nil && !classes.Accept(pf.frame.ClassName) {
			continue
		}
		out = append(out, pf.frame)
	}
	return out, nil
}

func (s *Session) readStackAt(offset int64) (*stackEntry, error) {
	if offset < 0 || offset >= s.r.Size() {
		return nil, fmt.Errorf("%w: %d", parser.ErrUnknownStackTrace, offset)
	}
	restore := s.r.Position()
	defer s.r.Seek(restore)

	if err := s.r.Seek(offset); err != nil {
		return nil, fmt.Errorf("%w: %d", parser.ErrUnknownStackTrace, offset)
	}
	line, err := s.r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %d", parser.ErrUnknownStackTrace, offset)
	}
	if _, ok, _ := parseHeader(line); !ok {
		return nil, fmt.Errorf("%w: no sample header at %d", parser.ErrUnknownStackTrace, offset)
	}
	entry, err := s.readStack()
	if err != nil {
		return nil, err
	}
	s.stacks[offset] = entry
	return entry, nil
}

// CacheStats returns frame line cache hits and misses.
func (s *Session) CacheStats() (hits, misses int) {
	return s.cache.hits, s.cache.misses
}

// Close releases the dump.
func (s *Session) Close() error {
	return s.r.Close()
}
