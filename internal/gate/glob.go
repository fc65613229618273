package gate

import (
	"path"
	"strings"
)

// Match reports whether a slash-separated file path matches a glob under the
// narrowed semantics: "**" spans zero or more directory segments, while "*"
// and "?" never cross a path separator. Naive matching accepted too much and
// false-passed infrastructure edits, so patterns without "**" must match the
// full path segment-for-segment.
func Match(pattern, file string) bool {
	return matchSegments(splitClean(pattern), splitClean(file))
}

func splitClean(p string) []string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, file []string) bool {
	if len(pattern) == 0 {
		return len(file) == 0
	}
	if pattern[0] == "**" {
		// Zero or more segments.
		if matchSegments(pattern[1:], file) {
			return true
		}
		if len(file) == 0 {
			return false
		}
		return matchSegments(pattern, file[1:])
	}
	if len(file) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], file[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], file[1:])
}

// MatchAny reports whether the file matches at least one pattern.
func MatchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if Match(p, file) {
			return true
		}
	}
	return false
}
