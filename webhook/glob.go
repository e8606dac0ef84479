package webhook

import "strings"

// MatchPattern matches a stream path against a subscription pattern.
// "*" matches exactly one path segment, "**" matches zero or more, and
// "%2A" escapes a literal asterisk segment.
func MatchPattern(pattern, path string) bool {
	return matchSegments(segments(pattern), segments(path))
}

func segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	switch seg := pattern[0]; seg {
	case "**":
		// Try swallowing zero, one, ... all remaining segments.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(path) > 0 && matchSegments(pattern[1:], path[1:])
	default:
		if len(path) == 0 {
			return false
		}
		literal := strings.ReplaceAll(seg, "%2A", "*")
		literal = strings.ReplaceAll(literal, "%2a", "*")
		return literal == path[0] && matchSegments(pattern[1:], path[1:])
	}
}
