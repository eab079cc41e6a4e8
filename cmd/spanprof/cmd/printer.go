package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanPrinter writes one line per ended span.
type spanPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newSpanPrinter(out io.Writer) *spanPrinter {
	return &spanPrinter{out: out}
}

func (p *spanPrinter) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *spanPrinter) OnEnd(s sdktrace.ReadOnlySpan) {
	parent := "-"
	if s.Parent().IsValid() {
		parent = s.Parent().SpanID().String()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s parent=%s start=%s duration=%v %s\n",
		s.SpanContext().TraceID(), s.SpanContext().SpanID(), parent,
		s.StartTime().Format("15:04:05.000"), s.EndTime().Sub(s.StartTime()), s.Name())
}

func (p *spanPrinter) Shutdown(context.Context) error { return nil }

func (p *spanPrinter) ForceFlush(context.Context) error { return nil }
