package bus

import "strings"

// SubjectMatches reports whether a concrete subject matches a pattern.
// Patterns use dot-separated tokens; "*" matches exactly one token and
// ">" matches one or more trailing tokens.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// isWildcard reports whether the pattern contains any wildcard token.
func isWildcard(pattern string) bool {
	return strings.Contains(pattern, "*") || strings.Contains(pattern, ">")
}
