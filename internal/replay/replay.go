// Package replay rebuilds call trees from recorded trace dumps and emits the
// inferred spans they yield.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/span-profiler/internal/calltree"
	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/dump"
	"github.com/span-profiler/internal/repository"
	"github.com/span-profiler/internal/spans"
	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/compression"
	"github.com/span-profiler/pkg/config"
	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/filter"
	"github.com/span-profiler/pkg/utils"
)

// Attributes set on the per-thread session spans.
const (
	AttrThreadID   = attribute.Key("thread.id")
	AttrThreadName = attribute.Key("thread.name")
)

// Config holds replay settings.
type Config struct {
	SamplingInterval time.Duration
	MinDuration      time.Duration
	PrunePercentage  float64
	JavaFramesOnly   bool
	Frames           *filter.ClassFilter
	Workers          int
	BufferSize       int
	UseMmap          bool
}

// DefaultConfig returns the default replay configuration.
func DefaultConfig() Config {
	return Config{
		SamplingInterval: 50 * time.Millisecond,
		PrunePercentage:  0.01,
		JavaFramesOnly:   true,
		Workers:          4,
	}
}

// FromConfig creates replay config from application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		SamplingInterval: cfg.Profiling.SamplingInterval,
		MinDuration:      cfg.Profiling.MinDuration,
		PrunePercentage:  cfg.Profiling.PrunePercentage,
		JavaFramesOnly:   cfg.Replay.JavaFramesOnly,
		Frames:           filter.NewClassFilter(cfg.Profiling.IncludedClasses, cfg.Profiling.ExcludedClasses),
		Workers:          cfg.Replay.Workers,
		BufferSize:       cfg.Reader.BufferSize,
		UseMmap:          cfg.Reader.UseMmap,
	}
}

func (c Config) minDurationTicks() int64 {
	if c.MinDuration <= 0 {
		return 0
	}
	return int64((c.MinDuration + c.SamplingInterval - 1) / c.SamplingInterval)
}

// OpenFunc opens a trace dump.
type OpenFunc func(path string, opts ...parser.Option) (parser.Session, error)

// Replayer feeds dump samples into per-thread call trees.
type Replayer struct {
	config Config
	tracer trace.Tracer
	repo   repository.SessionRepository
	frames *stackframe.Registry
	open   OpenFunc
	clock  utils.Clock
	logger utils.Logger
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithRepository records every replayed session.
func WithRepository(repo repository.SessionRepository) Option {
	return func(r *Replayer) { r.repo = repo }
}

// WithLogger sets the logger.
func WithLogger(l utils.Logger) Option {
	return func(r *Replayer) { r.logger = l }
}

// WithClock sets the clock used for bookkeeping timestamps.
func WithClock(c utils.Clock) Option {
	return func(r *Replayer) { r.clock = c }
}

// WithOpener replaces the dump opener.
func WithOpener(open OpenFunc) Option {
	return func(r *Replayer) { r.open = open }
}

// WithFrameRegistry shares a frame registry across replayed dumps.
func WithFrameRegistry(frames *stackframe.Registry) Option {
	return func(r *Replayer) { r.frames = frames }
}

// New creates a Replayer that starts spans on tracer.
func New(cfg Config, tracer trace.Tracer, opts ...Option) *Replayer {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = DefaultConfig().SamplingInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	r := &Replayer{
		config: cfg,
		tracer: tracer,
		frames: stackframe.NewRegistry(),
		open:   dump.Open,
		clock:  utils.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.OrNull(r.logger)
	return r
}

// Result summarizes one replayed dump.
type Result struct {
	Source        string        `json:"source"`
	SessionUUID   string        `json:"session_uuid,omitempty"`
	Format        string        `json:"format"`
	Threads       int           `json:"threads"`
	Records       int64         `json:"records"`
	Samples       int64         `json:"samples"`
	UnknownStacks int64         `json:"unknown_stacks"`
	PrunedNodes   int           `json:"pruned_nodes"`
	Spans         int64         `json:"spans"`
	Elapsed       time.Duration `json:"elapsed"`
}

// threadState is the call tree of one native thread in a dump.
type threadState struct {
	nativeID int64
	span     trace.Span
	tree     *calltree.Root
	lastTick int64
	samples  int64
}

// ReplayFile opens the dump at path, decompressing it first when needed, and
// replays it.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (*Result, error) {
	local := path
	if compression.TypeFromName(path) != compression.TypeNone {
		dir, err := os.MkdirTemp("", "spanprof-*")
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeResourceError, "failed to create temp dir", err)
		}
		defer os.RemoveAll(dir)

		local = filepath.Join(dir, compression.TrimExtension(filepath.Base(path)))
		if _, err := compression.DecompressFile(path, local); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, apperrors.Wrap(apperrors.CodeNotFound, "failed to decompress dump", err)
			}
			return nil, apperrors.Wrap(apperrors.CodeResourceError, "failed to decompress dump", err)
		}
	}

	opts := []parser.Option{
		parser.WithFrameRegistry(r.frames),
		parser.WithLogger(r.logger),
		parser.WithMmap(r.config.UseMmap),
	}
	if r.config.BufferSize > 0 {
		opts = append(opts, parser.WithBufferSize(r.config.BufferSize))
	}
	session, err := r.open(local, opts...)
	if err != nil {
		return nil, classify("failed to open "+path, err)
	}
	defer session.Close()

	return r.ReplaySession(ctx, session, path)
}

// ReplayFiles replays paths concurrently, each with its own session, using
// at most Workers goroutines. Results are in input order; a failed dump
// leaves a nil entry and its error is joined into the returned error.
func (r *Replayer) ReplayFiles(ctx context.Context, paths []string) ([]*Result, error) {
	results := make([]*Result, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i, path := range paths {
		g.Go(func() error {
			res, err := r.ReplayFile(gctx, path)
			if err != nil {
				r.logger.WithField("source", path).Error("Replay failed: %v", err)
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// ReplaySession consumes session and emits the inferred spans of every
// thread. Any read or resolution error aborts the replay and discards the
// partial trees.
func (r *Replayer) ReplaySession(ctx context.Context, session parser.Session, source string) (*Result, error) {
	info := session.Info()
	result := &Result{Source: source, Format: info.Format.String()}
	started := r.clock.Now()
	log := r.logger.WithField("source", source)

	r.recordStart(ctx, result, started)

	interval := r.config.SamplingInterval
	threads := make(map[int64]*threadState)
	var base time.Time
	var baseNanos int64
	haveBase := false
	if !info.ValueIsTimestamp {
		base = info.StartTime
		if base.IsZero() {
			base = started
		}
		haveBase = true
	}

	err := session.ForEachSample(ctx, func(rec parser.SampleRecord) error {
		result.Records++

		frames, err := session.ResolveStackTrace(rec.StackTraceID, r.config.JavaFramesOnly, r.config.Frames)
		if errors.Is(err, parser.ErrUnknownStackTrace) {
			result.UnknownStacks++
			return nil
		}
		if err != nil {
			return err
		}

		if !haveBase {
			baseNanos = rec.Value
			base = time.Unix(0, baseNanos)
			haveBase = true
		}

		th := threads[rec.NativeThreadID]
		if th == nil {
			th = &threadState{nativeID: rec.NativeThreadID}
			threads[rec.NativeThreadID] = th
		}

		if info.ValueIsTimestamp {
			tick := (rec.Value-baseNanos)/int64(interval) + 1
			if tick <= th.lastTick {
				tick = th.lastTick + 1
			}
			r.addStack(ctx, th, base, frames, tick)
			return nil
		}

		n := rec.Value
		if n <= 0 {
			n = 1
		}
		for i := int64(0); i < n; i++ {
			r.addStack(ctx, th, base, frames, th.lastTick+1)
		}
		return nil
	})
	if err != nil {
		log.Warn("Discarding %d partial call trees: %v", len(threads), err)
		r.recordFailure(ctx, result, err)
		return nil, classify("failed to replay "+source, err)
	}

	names := session.Info().ThreadNames
	ids := make([]int64, 0, len(threads))
	for id := range threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		th := threads[id]
		result.Samples += th.samples
		r.finish(th, base, names[id], result)
	}
	result.Threads = len(threads)
	result.Elapsed = r.clock.Since(started)

	log.Info("Replayed %d records on %d threads: %d spans, %d nodes pruned, %d unknown stacks",
		result.Records, result.Threads, result.Spans, result.PrunedNodes, result.UnknownStacks)
	r.recordFinish(ctx, result)
	return result, nil
}

// classify tags a dump failure with the error code its source acts on. A
// malformed or unrecognized dump is a format error and a missing one is not
// found; both are permanent.
func classify(message string, err error) error {
	switch {
	case apperrors.CodeOf(err) != apperrors.CodeUnknown:
	case errors.Is(err, parser.ErrInvalidFormat), errors.Is(err, parser.ErrUnsupportedFormat):
		return apperrors.Wrap(apperrors.CodeFormatError, message, err)
	case errors.Is(err, os.ErrNotExist):
		return apperrors.Wrap(apperrors.CodeNotFound, message, err)
	case errors.Is(err, parser.ErrResource):
		return apperrors.Wrap(apperrors.CodeResourceError, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

// addStack merges frames at tick, opening the thread's session span on its
// first sample.
func (r *Replayer) addStack(ctx context.Context, th *threadState, base time.Time, frames []*stackframe.Frame, tick int64) {
	if th.tree == nil {
		start := base.Add(time.Duration(tick-1) * r.config.SamplingInterval)
		_, th.span = r.tracer.Start(ctx, fmt.Sprintf("profiling session thread %d", th.nativeID),
			trace.WithTimestamp(start),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(AttrThreadID.Int64(th.nativeID)),
		)
		th.tree = calltree.NewRoot(th.span.SpanContext())
	}
	th.tree.AddStack(frames, tick)
	th.lastTick = tick
	th.samples++
}

// finish prunes and spanifies the thread's tree, then ends its session span.
func (r *Replayer) finish(th *threadState, base time.Time, name string, result *Result) {
	tree := th.tree
	tree.End()

	threshold := int64(r.config.PrunePercentage * float64(tree.DurationTicks()))
	if minTicks := r.config.minDurationTicks(); minTicks > threshold {
		threshold = minTicks
	}
	result.PrunedNodes += tree.RemoveNodesFasterThan(threshold)

	emitter := spans.NewEmitter(r.tracer,
		spans.WithLogger(r.logger),
		spans.WithAttributes(AttrThreadID.Int64(th.nativeID)),
	)
	result.Spans += int64(tree.Spanify(emitter, base, r.config.SamplingInterval))

	if name != "" {
		th.span.SetAttributes(AttrThreadName.String(name))
	}
	th.span.SetAttributes(spans.AttrSamples.Int64(th.samples))
	th.span.End(trace.WithTimestamp(base.Add(time.Duration(th.lastTick) * r.config.SamplingInterval)))
}

func (r *Replayer) recordStart(ctx context.Context, result *Result, started time.Time) {
	if r.repo == nil {
		return
	}
	result.SessionUUID = uuid.NewString()
	err := r.repo.Create(ctx, &repository.ProfilingSession{
		UUID:      result.SessionUUID,
		Source:    result.Source,
		Format:    result.Format,
		Status:    repository.SessionStatusRunning,
		StartedAt: started,
	})
	if err != nil {
		r.logger.Warn("Failed to record session %s: %v", result.SessionUUID, err)
		result.SessionUUID = ""
	}
}

func (r *Replayer) recordFinish(ctx context.Context, result *Result) {
	if r.repo == nil || result.SessionUUID == "" {
		return
	}
	summary := repository.SessionSummary{
		Threads: result.Threads,
		Samples: result.Samples,
		Spans:   result.Spans,
	}
	if err := r.repo.MarkFinished(ctx, result.SessionUUID, summary, r.clock.Now()); err != nil {
		r.logger.Warn("Failed to finish session %s: %v", result.SessionUUID, err)
	}
}

func (r *Replayer) recordFailure(ctx context.Context, result *Result, cause error) {
	if r.repo == nil || result.SessionUUID == "" {
		return
	}
	if err := r.repo.MarkFailed(ctx, result.SessionUUID, cause.Error(), r.clock.Now()); err != nil {
		r.logger.Warn("Failed to mark session %s failed: %v", result.SessionUUID, err)
	}
}
