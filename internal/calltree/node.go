// Package calltree merges sampled stacks into a call tree per profiled thread
// and turns the tree into inferred spans.
//
// Time is measured in ticks, one per sampling period. A node seen at ticks
// StartTick through EndTick lasts EndTick-StartTick+1 ticks.
package calltree

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/span-profiler/internal/stackframe"
	"github.com/span-profiler/pkg/collections"
)

// Node is a frame in the call tree.
type Node struct {
	Frame     *stackframe.Frame
	StartTick int64
	// EndTick is zero while the node is open.
	EndTick int64
	Count   int64
	// Children are kept in the order they were first seen.
	Children []*Node
	// Attached is the span that was active on the thread when this node was
	// created, if it differs from the one in effect for its parent.
	Attached trace.SpanContext

	lastSeen  int64
	effective trace.SpanContext
}

// IsOpen reports whether the node has not been closed yet.
func (n *Node) IsOpen() bool {
	return n.EndTick == 0
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// DurationTicks returns the number of ticks the node spans. Open nodes count
// up to the last tick they were seen.
func (n *Node) DurationTicks() int64 {
	if n.StartTick == 0 {
		return 0
	}
	end := n.EndTick
	if end == 0 {
		end = n.lastSeen
	}
	return end - n.StartTick + 1
}

// LastSeen returns the last tick the node was part of a sample.
func (n *Node) LastSeen() int64 {
	return n.lastSeen
}

func (n *Node) lastChild() *Node {
	if len(n.Children) == 0 {
		return nil
	}
	return n.Children[len(n.Children)-1]
}

func (n *Node) touch(tick int64) {
	if n.StartTick == 0 {
		n.StartTick = tick
	}
	n.Count++
	n.lastSeen = tick
}

// closeOpenChain closes the open last-child chain below n, deepest first, so
// that a node is closed only after its children.
func (n *Node) closeOpenChain() {
	chain := collections.NewStack[*Node](8)
	for c := n.lastChild(); c != nil && c.IsOpen(); c = c.lastChild() {
		chain.Push(c)
	}
	for !chain.IsEmpty() {
		c, _ := chain.Pop()
		c.EndTick = c.lastSeen
	}
}

// Label returns a human-readable description of the node.
func (n *Node) Label() string {
	name := "<root>"
	if n.Frame != nil {
		name = n.Frame.String()
	}
	return fmt.Sprintf("%s [%d-%d] x%d", name, n.StartTick, n.EndTick, n.Count)
}

// Walk visits n and its descendants depth first, parents before children and
// children in order. Returning false from fn skips the node's subtree.
func Walk(n *Node, fn func(node *Node, depth int) bool) {
	type item struct {
		node  *Node
		depth int
	}
	stack := collections.NewStack[item](32)
	stack.Push(item{n, 0})
	for !stack.IsEmpty() {
		it, _ := stack.Pop()
		if !fn(it.node, it.depth) {
			continue
		}
		for i := len(it.node.Children) - 1; i >= 0; i-- {
			stack.Push(item{it.node.Children[i], it.depth + 1})
		}
	}
}

// Format renders the subtree below n, one node per line.
func Format(n *Node) string {
	var b strings.Builder
	Walk(n, func(node *Node, depth int) bool {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(node.Label())
		b.WriteByte('\n')
		return true
	})
	return b.String()
}
