package merkle

import (
	"path"
	"strings"
)

// IgnoreRules excludes paths from snapshots. The .git directory is always excluded.
//
// Pattern forms:
//   - "*.ext" matches files with that extension
//   - any other pattern matches when it occurs anywhere in the relative path
type IgnoreRules struct {
	extensions []string
	patterns   []string
}

// DefaultPatterns are the ignore patterns used when none are configured.
var DefaultPatterns = []string{"target", "node_modules", ".DS_Store", "*.tmp", "*.log"}

// NewIgnoreRules builds rules from patterns. Blank patterns are dropped.
func NewIgnoreRules(patterns []string) *IgnoreRules {
	r := &IgnoreRules{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "*."):
			r.extensions = append(r.extensions, strings.TrimPrefix(p, "*"))
		default:
			r.patterns = append(r.patterns, strings.Trim(p, "/"))
		}
	}
	return r
}

// DefaultIgnoreRules returns rules built from DefaultPatterns.
func DefaultIgnoreRules() *IgnoreRules {
	return NewIgnoreRules(DefaultPatterns)
}

// Ignored reports whether the slash-separated relative path is excluded.
func (r *IgnoreRules) Ignored(rel string) bool {
	rel = strings.TrimPrefix(strings.ReplaceAll(rel, "\\", "/"), "./")
	components := strings.Split(rel, "/")
	for _, c := range components {
		if c == ".git" {
			return true
		}
	}
	if r == nil {
		return false
	}

	ext := path.Ext(rel)
	for _, e := range r.extensions {
		if ext == e {
			return true
		}
	}
	for _, p := range r.patterns {
		if strings.Contains(rel, p) {
			return true
		}
	}
	return false
}
