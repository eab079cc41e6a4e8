// Package spans turns inferred spans into OpenTelemetry spans.
package spans

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/calltree"
	"github.com/span-profiler/pkg/utils"
)

// InstrumentationName is the tracer name inferred spans are created with.
const InstrumentationName = "github.com/span-profiler/inferred"

// Attribute keys set on every inferred span.
const (
	AttrSpanType      = attribute.Key("span.type")
	AttrSpanSubtype   = attribute.Key("span.subtype")
	AttrCodeNamespace = attribute.Key("code.namespace")
	AttrCodeFunction  = attribute.Key("code.function")
	AttrSamples       = attribute.Key("profiler.samples")
)

// Emitter is a calltree.SpanSink backed by an OpenTelemetry tracer. Spans are
// started and ended immediately with the timestamps inferred from samples.
type Emitter struct {
	tracer  trace.Tracer
	logger  utils.Logger
	extra   []attribute.KeyValue
	emitted atomic.Int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger.
func WithLogger(l utils.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithAttributes adds attributes to every emitted span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(e *Emitter) { e.extra = append(e.extra, attrs...) }
}

// NewEmitter creates an Emitter. Obtain the tracer from a TracerProvider,
// e.g. provider.Tracer(InstrumentationName).
func NewEmitter(tracer trace.Tracer, opts ...Option) *Emitter {
	e := &Emitter{tracer: tracer}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNull(e.logger)
	return e
}

// StartInferredSpan creates the span and returns its context.
func (e *Emitter) StartInferredSpan(parent trace.SpanContext, s calltree.InferredSpan) trace.SpanContext {
	ctx := context.Background()
	if parent.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, parent)
	}

	attrs := make([]attribute.KeyValue, 0, 5+len(e.extra))
	attrs = append(attrs,
		AttrSpanType.String("app"),
		AttrSpanSubtype.String("inferred"),
		AttrCodeNamespace.String(s.Frame.ClassName),
		AttrCodeFunction.String(s.Frame.MethodName),
		AttrSamples.Int64(s.Samples),
	)
	attrs = append(attrs, e.extra...)

	_, span := e.tracer.Start(ctx, s.Name(),
		trace.WithTimestamp(s.Start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(s.Start.Add(s.Duration)))
	e.emitted.Add(1)

	e.logger.Debug("Inferred span %s [%d-%d] x%d", s.Name(), s.StartTick, s.EndTick, s.Samples)
	return span.SpanContext()
}

// Emitted returns how many spans were created.
func (e *Emitter) Emitted() int64 {
	return e.emitted.Load()
}
