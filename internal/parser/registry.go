package parser

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// SniffLen is the number of leading bytes handed to Opener.Sniff.
const SniffLen = 64

// Opener opens one dump format.
type Opener interface {
	// Format returns the format handled by this opener.
	Format() Format

	// Sniff reports whether head, the first bytes of a file, belongs to this format.
	Sniff(head []byte) bool

	// Open opens the dump at path.
	Open(path string, opts *Options) (Session, error)
}

// Registry dispatches dumps to openers, by explicit format or by sniffing.
type Registry struct {
	mu      sync.RWMutex
	openers []Opener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an opener. Openers are sniffed in registration order.
func (r *Registry) Register(o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers = append(r.openers, o)
}

// Get returns the opener for format.
func (r *Registry) Get(format Format) (Opener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.openers {
		if o.Format() == format {
			return o, true
		}
	}
	return nil, false
}

// Formats lists registered formats.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.openers))
	for _, o := range r.openers {
		out = append(out, o.Format())
	}
	return out
}

// Detect sniffs the leading bytes of path.
func (r *Registry) Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("%w: %w", ErrResource, err)
	}
	defer f.Close()

	head := make([]byte, SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, fmt.Errorf("%w: %v", ErrResource, err)
	}
	head = head[:n]

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.openers {
		if o.Sniff(head) {
			return o.Format(), nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Open sniffs path and opens it with the matching adapter.
func (r *Registry) Open(path string, opts ...Option) (Session, error) {
	format, err := r.Detect(path)
	if err != nil {
		return nil, err
	}
	return r.OpenAs(path, format, opts...)
}

// OpenAs opens path with the adapter for format, skipping detection.
func (r *Registry) OpenAs(path string, format Format, opts ...Option) (Session, error) {
	o, ok := r.Get(format)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return o.Open(path, Apply(opts...))
}
