package permission

import (
	"strings"
)

// Match reports whether value matches a glob pattern. "*" matches any run of
// characters including path separators, "?" matches exactly one character.
// An empty pattern matches everything.
func Match(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if !hasWildcard(pattern) {
		return pattern == value
	}

	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = v
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case star >= 0:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// specificity ranks how narrowly a pattern matches: exact patterns beat any
// glob, and among globs the one with more literal characters wins.
type specificity struct {
	exact   bool
	literal int
}

func patternSpecificity(pattern string) specificity {
	if pattern == "" || pattern == "*" {
		return specificity{}
	}
	if !hasWildcard(pattern) {
		return specificity{exact: true, literal: len(pattern)}
	}
	literal := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '*' && pattern[i] != '?' {
			literal++
		}
	}
	return specificity{literal: literal}
}

func (s specificity) compare(o specificity) int {
	if s.exact != o.exact {
		if s.exact {
			return 1
		}
		return -1
	}
	switch {
	case s.literal > o.literal:
		return 1
	case s.literal < o.literal:
		return -1
	default:
		return 0
	}
}
