// Package dump wires the trace dump adapters into a sniffing registry.
package dump

import (
	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/jfr"
	"github.com/span-profiler/internal/parser/traces"
)

// NewRegistry returns a registry with every supported dump format.
func NewRegistry() *parser.Registry {
	r := parser.NewRegistry()
	r.Register(jfr.NewOpener())
	r.Register(traces.NewOpener())
	return r
}

// Open sniffs the dump at path and opens it.
func Open(path string, opts ...parser.Option) (parser.Session, error) {
	return NewRegistry().Open(path, opts...)
}
