// Package parser defines the contract shared by the trace dump adapters.
package parser

import (
	"context"
	"fmt"
	"time"

	"github.com/span-profiler/internal/parser/reader"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

// Format identifies a trace dump format.
type Format int

const (
	// FormatUnknown is an unrecognized dump.
	FormatUnknown Format = iota
	// FormatJFR is a chunked binary recording (async-profiler flavoured JFR).
	FormatJFR
	// FormatTraces is the line-oriented async-profiler "traces" output.
	FormatTraces
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatJFR:
		return "jfr"
	case FormatTraces:
		return "traces"
	default:
		return "unknown"
	}
}

// ParseFormat maps a format name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "jfr":
		return FormatJFR, nil
	case "traces", "text":
		return FormatTraces, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// SampleRecord is one sample read from a dump.
type SampleRecord struct {
	NativeThreadID int64
	StackTraceID   int64
	// Value is a wall-clock timestamp in nanoseconds for binary dumps and a
	// sample count for text dumps.
	Value int64
}

// SessionInfo describes a dump as a whole.
type SessionInfo struct {
	Format Format
	// StartTime is the recording start, zero when the dump does not carry it.
	StartTime time.Time
	Duration  time.Duration
	// ValueIsTimestamp reports whether SampleRecord.Value is a timestamp.
	ValueIsTimestamp bool
	// ThreadNames maps native thread ids to names, when known.
	ThreadNames map[int64]string
}

// SampleFunc receives samples during a forward pass. Returning an error stops the pass.
type SampleFunc func(SampleRecord) error

// Session is an open trace dump. Sessions are not safe for concurrent use.
type Session interface {
	// Info returns dump-wide metadata.
	Info() SessionInfo

	// ForEachSample streams every sample once, in file order. A second call
	// returns ErrSessionConsumed.
	ForEachSample(ctx context.Context, fn SampleFunc) error

	// ResolveStackTrace returns the frames of a stack trace, leaf first.
	// Frames whose class is rejected by classes are dropped; a nil filter keeps
	// every frame. Results are stable across calls.
	ResolveStackTrace(stackTraceID int64, javaFramesOnly bool, classes *filter.ClassFilter) ([]*stackframe.Frame, error)

	// Close releases the underlying file.
	Close() error
}

// Options configures how dumps are opened.
type Options struct {
	BufferSize int
	UseMmap    bool
	// Frames interns resolved frames; a private registry is used when nil.
	Frames *stackframe.Registry
	Logger utils.Logger
	// FrameCacheSize bounds the text adapter's frame line cache.
	FrameCacheSize uint32
}

// Option is a function that configures Options.
type Option func(*Options)

// DefaultOptions returns default open options.
func DefaultOptions() *Options {
	return &Options{
		BufferSize:     reader.DefaultBufferSize,
		FrameCacheSize: 8192,
	}
}

// WithBufferSize sets the reader window size.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

// WithMmap enables memory-mapped reading.
func WithMmap(enabled bool) Option {
	return func(o *Options) { o.UseMmap = enabled }
}

// WithFrameRegistry shares a frame registry across sessions.
func WithFrameRegistry(r *stackframe.Registry) Option {
	return func(o *Options) { o.Frames = r }
}

// WithLogger sets the logger.
func WithLogger(l utils.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithFrameCacheSize sets the text adapter's frame line cache size.
func WithFrameCacheSize(n uint32) Option {
	return func(o *Options) { o.FrameCacheSize = n }
}

// Apply builds Options from defaults and opts, filling in nil collaborators.
func Apply(opts ...Option) *Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Frames == nil {
		o.Frames = stackframe.NewRegistry()
	}
	o.Logger = utils.OrNull(o.Logger)
	if o.FrameCacheSize == 0 {
		o.FrameCacheSize = DefaultOptions().FrameCacheSize
	}
	return o
}

// OpenReader opens the buffered reader described by o.
func (o *Options) OpenReader(path string) (*reader.Reader, error) {
	r, err := reader.Open(path, o.BufferSize, o.UseMmap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResource, err)
	}
	return r, nil
}
