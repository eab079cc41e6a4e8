package calltree

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/collections"
	"github.com/span-profiler/pkg/filter"
)

// Root is the call tree of one profiled thread, rooted at a sentinel node
// that never becomes a span. It is not safe for concurrent use.
type Root struct {
	node    *Node
	context trace.SpanContext
	active  trace.SpanContext
	frames  *filter.ClassFilter
	ended   bool
}

// Option configures a Root.
type Option func(*Root)

// WithFrameFilter skips frames whose class the filter rejects.
func WithFrameFilter(f *filter.ClassFilter) Option {
	return func(r *Root) { r.frames = f }
}

// NewRoot creates an empty tree for the span rootContext.
func NewRoot(rootContext trace.SpanContext, opts ...Option) *Root {
	r := &Root{
		node:    &Node{effective: rootContext},
		context: rootContext,
		active:  rootContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context returns the span the tree belongs to.
func (r *Root) Context() trace.SpanContext {
	return r.context
}

// ActiveContext returns the span currently active on the thread.
func (r *Root) ActiveContext() trace.SpanContext {
	return r.active
}

// Node returns the sentinel node.
func (r *Root) Node() *Node {
	return r.node
}

// SampleCount returns the number of stacks added.
func (r *Root) SampleCount() int64 {
	return r.node.Count
}

// IsEnded reports whether End was called.
func (r *Root) IsEnded() bool {
	return r.ended
}

// OnActivation records that ctx became active on the thread. Nodes created
// from now on attach ctx.
func (r *Root) OnActivation(ctx trace.SpanContext) {
	r.active = ctx
}

// OnDeactivation restores the previously active span.
func (r *Root) OnDeactivation(previous trace.SpanContext) {
	r.active = previous
}

// AddStack merges a stack, newest frame first, sampled at tick. Ticks must
// be increasing. Stacks added after End are ignored.
func (r *Root) AddStack(frames []*stackframe.Frame, tick int64) {
	if r.ended {
		return
	}

	parent := r.node
	parent.touch(tick)
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if r.frames != nil && !r.frames.Accept(f.ClassName) {
			continue
		}

		last := parent.lastChild()
		var node *Node
		if last != nil && last.IsOpen() && last.Frame == f {
			node = last
		} else {
			if last != nil && last.IsOpen() {
				parent.closeOpenChain()
			}
			node = r.newChild(parent, f)
		}
		node.touch(tick)
		parent = node
	}
	parent.closeOpenChain()
}

func (r *Root) newChild(parent *Node, f *stackframe.Frame) *Node {
	child := &Node{Frame: f, effective: parent.effective}
	if r.active.IsValid() && !r.active.Equal(parent.effective) {
		child.Attached = r.active
		child.effective = r.active
	}
	parent.Children = append(parent.Children, child)
	return child
}

// End closes every open node. It is idempotent.
func (r *Root) End() {
	if r.ended {
		return
	}
	r.ended = true
	r.node.closeOpenChain()
	r.node.EndTick = r.node.lastSeen
}

// DurationTicks returns the ticks between the first and last sample.
func (r *Root) DurationTicks() int64 {
	return r.node.DurationTicks()
}

// RemoveNodesFasterThan drops every subtree whose node lasts fewer than
// ticks ticks and returns how many nodes were removed, descendants included.
func (r *Root) RemoveNodesFasterThan(ticks int64) int {
	removed := 0
	stack := collections.NewStack[*Node](32)
	stack.Push(r.node)
	for !stack.IsEmpty() {
		n, _ := stack.Pop()
		kept := n.Children[:0]
		for _, c := range n.Children {
			if c.DurationTicks() < ticks {
				removed += countNodes(c)
				continue
			}
			kept = append(kept, c)
			stack.Push(c)
		}
		for i := len(kept); i < len(n.Children); i++ {
			n.Children[i] = nil
		}
		n.Children = kept
	}
	return removed
}

func countNodes(n *Node) int {
	count := 0
	Walk(n, func(*Node, int) bool {
		count++
		return true
	})
	return count
}

// String renders the tree.
func (r *Root) String() string {
	return Format(r.node)
}
