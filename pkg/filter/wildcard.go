package filter

import "strings"

const (
	caseSensitivePrefix   = "(?-i)"
	caseInsensitivePrefix = "(?i)"
)

// WildcardMatcher matches strings against a pattern in which '*' stands for any
// run of characters, including none. Matching ignores case unless the pattern
// starts with "(?-i)".
type WildcardMatcher struct {
	pattern       string
	parts         []string
	anchoredStart bool
	anchoredEnd   bool
	caseSensitive bool
}

// NewWildcardMatcher compiles a wildcard pattern.
func NewWildcardMatcher(pattern string) *WildcardMatcher {
	m := &WildcardMatcher{pattern: pattern}

	body := pattern
	switch {
	case strings.HasPrefix(body, caseSensitivePrefix):
		m.caseSensitive = true
		body = body[len(caseSensitivePrefix):]
	case strings.HasPrefix(body, caseInsensitivePrefix):
		body = body[len(caseInsensitivePrefix):]
	}
	if !m.caseSensitive {
		body = strings.ToLower(body)
	}

	m.anchoredStart = !strings.HasPrefix(body, "*")
	m.anchoredEnd = !strings.HasSuffix(body, "*")
	for _, p := range strings.Split(body, "*") {
		if p != "" {
			m.parts = append(m.parts, p)
		}
	}
	return m
}

// Matches reports whether s matches the pattern.
func (m *WildcardMatcher) Matches(s string) bool {
	if !m.caseSensitive {
		s = strings.ToLower(s)
	}

	if len(m.parts) == 0 {
		// Pattern was only wildcards, or empty.
		return !m.anchoredStart || s == ""
	}

	pos := 0
	for i, part := range m.parts {
		last := i == len(m.parts)-1
		switch {
		case i == 0 && m.anchoredStart:
			if !strings.HasPrefix(s, part) {
				return false
			}
			pos = len(part)
			if last && m.anchoredEnd {
				return pos == len(s)
			}
		case last && m.anchoredEnd:
			return len(s)-len(part) >= pos && strings.HasSuffix(s, part)
		default:
			idx := strings.Index(s[pos:], part)
			if idx < 0 {
				return false
			}
			pos += idx + len(part)
		}
	}
	return true
}

// String returns the original pattern.
func (m *WildcardMatcher) String() string {
	return m.pattern
}

// CompileAll compiles a list of patterns.
func CompileAll(patterns []string) []*WildcardMatcher {
	matchers := make([]*WildcardMatcher, 0, len(patterns))
	for _, p := range patterns {
		matchers = append(matchers, NewWildcardMatcher(p))
	}
	return matchers
}

// AnyMatches reports whether any matcher matches s.
func AnyMatches(matchers []*WildcardMatcher, s string) bool {
	for _, m := range matchers {
		if m.Matches(s) {
			return true
		}
	}
	return false
}
