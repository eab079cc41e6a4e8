// Package export converts trace dumps into pprof profiles.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/pprof/profile"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/filter"
)

// Sample types of exported profiles.
const (
	SampleTypeSamples = "samples"
	SampleTypeWall    = "wall"
)

// LabelThreadID is the numeric label carrying the native thread id.
const LabelThreadID = "thread_id"

// LabelThreadName is the string label carrying the thread name.
const LabelThreadName = "thread_name"

// Options configures the conversion.
type Options struct {
	// Period is the sampling interval each sample stands for.
	Period         time.Duration
	JavaFramesOnly bool
	Frames         *filter.ClassFilter
}

// Builder accumulates dump samples into a pprof profile.
type Builder struct {
	opts      Options
	prof      *profile.Profile
	functions map[*stackframe.Frame]*profile.Function
	locations map[*stackframe.Frame]*profile.Location
	samples   map[sampleKey]*profile.Sample
	unknown   int64
}

type sampleKey struct {
	stackTraceID   int64
	nativeThreadID int64
}

// NewBuilder creates a Builder.
func NewBuilder(opts Options) *Builder {
	if opts.Period <= 0 {
		opts.Period = 50 * time.Millisecond
	}
	return &Builder{
		opts: opts,
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: SampleTypeSamples, Unit: "count"},
				{Type: SampleTypeWall, Unit: "nanoseconds"},
			},
			PeriodType: &profile.ValueType{Type: SampleTypeWall, Unit: "nanoseconds"},
			Period:     int64(opts.Period),
		},
		functions: make(map[*stackframe.Frame]*profile.Function),
		locations: make(map[*stackframe.Frame]*profile.Location),
		samples:   make(map[sampleKey]*profile.Sample),
	}
}

// AddSession streams every sample of s into the profile. Samples whose
// stack trace is unknown are skipped and counted.
func (b *Builder) AddSession(ctx context.Context, s parser.Session) error {
	info := s.Info()
	if !info.StartTime.IsZero() {
		b.prof.TimeNanos = info.StartTime.UnixNano()
	}
	b.prof.DurationNanos = int64(info.Duration)

	err := s.ForEachSample(ctx, func(rec parser.SampleRecord) error {
		key := sampleKey{rec.StackTraceID, rec.NativeThreadID}
		count := int64(1)
		if !info.ValueIsTimestamp && rec.Value > 0 {
			count = rec.Value
		}

		if sample, ok := b.samples[key]; ok {
			sample.Value[0] += count
			sample.Value[1] += count * b.prof.Period
			return nil
		}

		frames, err := s.ResolveStackTrace(rec.StackTraceID, b.opts.JavaFramesOnly, b.opts.Frames)
		if errors.Is(err, parser.ErrUnknownStackTrace) {
			b.unknown++
			return nil
		}
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return nil
		}

		sample := &profile.Sample{
			Location: make([]*profile.Location, 0, len(frames)),
			Value:    []int64{count, count * b.prof.Period},
			NumLabel: map[string][]int64{LabelThreadID: {rec.NativeThreadID}},
		}
		for _, f := range frames {
			sample.Location = append(sample.Location, b.location(f))
		}
		b.samples[key] = sample
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to convert samples: %w", err)
	}

	names := s.Info().ThreadNames
	for key, sample := range b.samples {
		if name, ok := names[key.nativeThreadID]; ok && name != "" {
			sample.Label = map[string][]string{LabelThreadName: {name}}
		}
	}
	return nil
}

func (b *Builder) location(f *stackframe.Frame) *profile.Location {
	if loc, ok := b.locations[f]; ok {
		return loc
	}
	fn, ok := b.functions[f]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function) + 1),
			Name:       f.String(),
			SystemName: f.String(),
		}
		b.functions[f] = fn
		b.prof.Function = append(b.prof.Function, fn)
	}
	loc := &profile.Location{
		ID:   uint64(len(b.prof.Location) + 1),
		Line: []profile.Line{{Function: fn}},
	}
	b.locations[f] = loc
	b.prof.Location = append(b.prof.Location, loc)
	return loc
}

// Unknown returns how many samples referenced unknown stack traces.
func (b *Builder) Unknown() int64 {
	return b.unknown
}

// Profile returns the accumulated profile with samples in a stable order.
func (b *Builder) Profile() (*profile.Profile, error) {
	keys := make([]sampleKey, 0, len(b.samples))
	for k := range b.samples {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].nativeThreadID != keys[j].nativeThreadID {
			return keys[i].nativeThreadID < keys[j].nativeThreadID
		}
		return keys[i].stackTraceID < keys[j].stackTraceID
	})

	b.prof.Sample = b.prof.Sample[:0]
	for _, k := range keys {
		b.prof.Sample = append(b.prof.Sample, b.samples[k])
	}
	if err := b.prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return b.prof, nil
}

// FromSession converts a whole dump session into a profile.
func FromSession(ctx context.Context, s parser.Session, opts Options) (*profile.Profile, error) {
	b := NewBuilder(opts)
	if err := b.AddSession(ctx, s); err != nil {
		return nil, err
	}
	return b.Profile()
}

// Write writes p gzip-compressed in the pprof wire format.
func Write(w io.Writer, p *profile.Profile) error {
	if err := p.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// WriteFile writes p to path.
func WriteFile(path string, p *profile.Profile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Write(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
