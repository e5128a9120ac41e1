package routes

import (
	"fmt"
	"path"
	"strings"
)

// PathMatcher decides whether a request path belongs to a route. A matcher
// without patterns accepts every path.
type PathMatcher struct {
	patterns []string
}

// NewPathMatcher validates patterns. A pattern ending in /* matches that
// prefix and everything below it; other patterns use path.Match syntax.
func NewPathMatcher(patterns []string) (PathMatcher, error) {
	var m PathMatcher
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			return PathMatcher{}, fmt.Errorf("path pattern %q must start with /", p)
		}
		if _, err := path.Match(p, "/"); err != nil {
			return PathMatcher{}, fmt.Errorf("path pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Empty reports whether the matcher has no patterns.
func (m PathMatcher) Empty() bool { return len(m.patterns) == 0 }

// Match reports whether p is accepted.
func (m PathMatcher) Match(p string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	if p == "" {
		p = "/"
	}
	for _, pat := range m.patterns {
		if prefix, ok := strings.CutSuffix(pat, "/*"); ok {
			if p == prefix || strings.HasPrefix(p, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
	}
	return false
}
