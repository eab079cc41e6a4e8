// Package stackframe interns (class, method) pairs so identical frames share one
// allocation and can be compared by pointer.
package stackframe

import (
	"strings"
	"sync"
)

// Frame is a single stack frame. Frames obtained from the same Registry are
// unique per (ClassName, MethodName), so pointer equality implies value equality.
type Frame struct {
	ClassName  string
	MethodName string
}

// SimpleClassName returns the class name without its package.
func (f *Frame) SimpleClassName() string {
	if i := strings.LastIndexByte(f.ClassName, '.'); i >= 0 {
		return f.ClassName[i+1:]
	}
	return f.ClassName
}

// Name returns the span name for the frame, e.g. "OrderService#place".
func (f *Frame) Name() string {
	return f.SimpleClassName() + "#" + f.MethodName
}

// String returns the fully qualified frame, e.g. "com.example.OrderService.place".
func (f *Frame) String() string {
	if f.ClassName == "" {
		return f.MethodName
	}
	return f.ClassName + "." + f.MethodName
}

// Equal compares frames by value.
func (f *Frame) Equal(other *Frame) bool {
	if f == other {
		return true
	}
	if f == nil || other == nil {
		return false
	}
	return f.ClassName == other.ClassName && f.MethodName == other.MethodName
}

type frameKey struct {
	className  string
	methodName string
}

// Registry interns frames. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	frames map[frameKey]*Frame
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{frames: make(map[frameKey]*Frame)}
}

// Intern returns the canonical frame for (className, methodName).
func (r *Registry) Intern(className, methodName string) *Frame {
	key := frameKey{className, methodName}

	r.mu.RLock()
	f, ok := r.frames[key]
	r.mu.RUnlock()
	if ok {
		return f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.frames[key]; ok {
		return f
	}
	f = &Frame{ClassName: className, MethodName: methodName}
	r.frames[key] = f
	return f
}

// Len returns the number of interned frames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}

// ParseQualified splits "pkg.Class.method" into class and method and interns it.
// A name without a dot becomes a frame with an empty class.
func (r *Registry) ParseQualified(qualified string) *Frame {
	i := strings.LastIndexByte(qualified, '.')
	if i <= 0 || i == len(qualified)-1 {
		return r.Intern("", qualified)
	}
	return r.Intern(qualified[:i], qualified[i+1:])
}
