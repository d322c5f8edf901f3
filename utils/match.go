package utils

import "strings"

// MatchPattern checks a value against a pattern containing '*'
// wildcards. Patterns are matched per '/'-separated segment: a '*'
// matches one whole segment, and a trailing "/*" matches the rest of a
// hierarchical value ("artifact/*" matches "artifact/npm/left-pad").
func MatchPattern(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return value == prefix || strings.HasPrefix(value, prefix+"/")
	}
	vSegs := strings.Split(value, "/")
	pSegs := strings.Split(pattern, "/")
	if len(vSegs) != len(pSegs) {
		return false
	}
	for i, ps := range pSegs {
		if ps == "*" {
			continue
		}
		if ps != vSegs[i] {
			return false
		}
	}
	return true
}

// HasWildcard reports whether the pattern needs MatchPattern at all.
func HasWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}
