package protocol

import "strings"

// Delimiter separates topic segments.
const Delimiter = ":"

// Wildcard tokens. A token is a wildcard only when it makes up the whole
// segment; "user*" is a literal.
const (
	WildcardOne  = "*"  // exactly one segment
	WildcardTail = "**" // zero or more trailing segments
	WildcardPlus = "++" // one or more segments
)

// IsPattern reports whether s contains a wildcard token.
func IsPattern(s string) bool {
	for _, tok := range strings.Split(s, Delimiter) {
		switch tok {
		case WildcardOne, WildcardTail, WildcardPlus:
			return true
		}
	}
	return false
}

// Match matches a concrete topic against a pattern. Captures are produced
// left to right, one per wildcard token; multi-segment captures are joined
// with the delimiter.
func Match(topic, pattern string) (bool, []string) {
	if topic == "" || pattern == "" {
		return false, nil
	}
	return matchSegments(strings.Split(topic, Delimiter), strings.Split(pattern, Delimiter))
}

func matchSegments(topic, pattern []string) (bool, []string) {
	if len(pattern) == 0 {
		return len(topic) == 0, nil
	}

	switch pattern[0] {
	case WildcardTail:
		for take := 0; take <= len(topic); take++ {
			if ok, caps := matchSegments(topic[take:], pattern[1:]); ok {
				return true, append([]string{strings.Join(topic[:take], Delimiter)}, caps...)
			}
		}
		return false, nil
	case WildcardPlus:
		for take := 1; take <= len(topic); take++ {
			if ok, caps := matchSegments(topic[take:], pattern[1:]); ok {
				return true, append([]string{strings.Join(topic[:take], Delimiter)}, caps...)
			}
		}
		return false, nil
	case WildcardOne:
		if len(topic) == 0 {
			return false, nil
		}
		if ok, caps := matchSegments(topic[1:], pattern[1:]); ok {
			return true, append([]string{topic[0]}, caps...)
		}
		return false, nil
	default:
		if len(topic) == 0 || topic[0] != pattern[0] {
			return false, nil
		}
		return matchSegments(topic[1:], pattern[1:])
	}
}

// Specificity orders patterns from most to least specific. Literal
// segments dominate wildcards; a single-segment wildcard is more specific
// than a multi-segment one, and a bounded multi ("++") more specific than
// an unbounded tail ("**").
func Specificity(pattern string) int {
	score := 0
	for _, tok := range strings.Split(pattern, Delimiter) {
		switch tok {
		case WildcardTail:
			score += 1
		case WildcardPlus:
			score += 5
		case WildcardOne:
			score += 10
		default:
			score += 100
		}
	}
	return score
}
