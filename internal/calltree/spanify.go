package calltree

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/collections"
)

// InferredSpan describes a span reconstructed from samples.
type InferredSpan struct {
	Frame     *stackframe.Frame
	Start     time.Time
	Duration  time.Duration
	Samples   int64
	StartTick int64
	EndTick   int64
}

// Name returns the span name, e.g. "OrderService#place".
func (s InferredSpan) Name() string {
	return s.Frame.Name()
}

// SpanSink creates inferred spans. It returns the new span's context, which
// parents the spans of the node's descendants.
type SpanSink interface {
	StartInferredSpan(parent trace.SpanContext, span InferredSpan) trace.SpanContext
}

// IsPillar reports whether n adds no information over its only child: it has
// exactly one child and that child was sampled as often as n itself.
func IsPillar(n *Node) bool {
	return len(n.Children) == 1 && n.Children[0].Count == n.Count
}

// Spanify emits a span for every node that is not a pillar and returns how
// many were emitted. Tick 1 starts at base. A node's span is parented to the
// closest emitted ancestor, the root context, or the node's attached context
// when it has one.
func (r *Root) Spanify(sink SpanSink, base time.Time, tickDuration time.Duration) int {
	type item struct {
		node   *Node
		parent trace.SpanContext
	}

	emitted := 0
	stack := collections.NewStack[item](32)
	pushChildren := func(n *Node, parent trace.SpanContext) {
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack.Push(item{n.Children[i], parent})
		}
	}
	pushChildren(r.node, r.context)

	for !stack.IsEmpty() {
		it, _ := stack.Pop()
		n, parent := it.node, it.parent
		if n.Attached.IsValid() {
			parent = n.Attached
		}

		if IsPillar(n) {
			pushChildren(n, parent)
			continue
		}

		ticks := n.DurationTicks()
		sc := sink.StartInferredSpan(parent, InferredSpan{
			Frame:     n.Frame,
			Start:     base.Add(time.Duration(n.StartTick-1) * tickDuration),
			Duration:  time.Duration(ticks) * tickDuration,
			Samples:   n.Count,
			StartTick: n.StartTick,
			EndTick:   n.StartTick + ticks - 1,
		})
		emitted++
		if sc.IsValid() {
			parent = sc
		}
		pushChildren(n, parent)
	}
	return emitted
}
