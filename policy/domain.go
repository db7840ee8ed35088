package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// DomainFilter matches post domains against glob patterns such as
// "*.example.com" or "youtu{be.com,.be}". Empty pattern list blocks nothing.
type DomainFilter struct {
	globs []glob.Glob
}

// NewDomainFilter compiles patterns with '.' as separator
func NewDomainFilter(patterns []string) (*DomainFilter, error) {
	f := &DomainFilter{globs: make([]glob.Glob, 0, len(patterns))}

	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid domain pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}

	return f, nil
}

// Blocked returns true if domain matches any pattern
func (f *DomainFilter) Blocked(domain string) bool {
	if domain == "" {
		return false
	}
	domain = strings.ToLower(domain)
	for _, g := range f.globs {
		if g.Match(domain) {
			return true
		}
	}
	return false
}
