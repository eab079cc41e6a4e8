// Package filter provides class name filtering for profiled stack frames.
// Rules are wildcard include and exclude lists over fully qualified class names.
package filter

import "sync"

const defaultCacheSize = 10000

// ClassFilter decides which classes may appear in inferred spans.
// It is safe for concurrent use.
type ClassFilter struct {
	mu sync.RWMutex

	included []*WildcardMatcher
	excluded []*WildcardMatcher

	// Cache for frequently queried classes
	cache     map[string]bool
	cacheSize int
}

// NewClassFilter creates a ClassFilter. An empty include list includes every class.
func NewClassFilter(included, excluded []string) *ClassFilter {
	return &ClassFilter{
		included:  CompileAll(included),
		excluded:  CompileAll(excluded),
		cache:     make(map[string]bool),
		cacheSize: defaultCacheSize,
	}
}

// Accept reports whether frames of className should be kept.
func (f *ClassFilter) Accept(className string) bool {
	f.mu.RLock()
	if ok, hit := f.cache[className]; hit {
		f.mu.RUnlock()
		return ok
	}
	f.mu.RUnlock()

	ok := f.acceptUncached(className)

	f.mu.Lock()
	if len(f.cache) < f.cacheSize {
		f.cache[className] = ok
	}
	f.mu.Unlock()

	return ok
}

func (f *ClassFilter) acceptUncached(className string) bool {
	if len(f.included) > 0 && !AnyMatches(f.included, className) {
		return false
	}
	return !AnyMatches(f.excluded, className)
}

// IsIncluded reports whether className matches the include list.
func (f *ClassFilter) IsIncluded(className string) bool {
	return len(f.included) == 0 || AnyMatches(f.included, className)
}

// IsExcluded reports whether className matches the exclude list.
func (f *ClassFilter) IsExcluded(className string) bool {
	return AnyMatches(f.excluded, className)
}

// ClearCache clears the decision cache.
func (f *ClassFilter) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cache = make(map[string]bool)
}

// CacheStats returns cache statistics.
func (f *ClassFilter) CacheStats() (size int, maxSize int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return len(f.cache), f.cacheSize
}

// SetCacheSize sets the maximum cache size.
func (f *ClassFilter) SetCacheSize(size int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cacheSize = size
	if len(f.cache) > size {
		f.cache = make(map[string]bool)
	}
}
