// Package redact scrubs known secret shapes from values before they are
// persisted. It is defense-in-depth on the write path, not a substitute for
// caller hygiene.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces any scrubbed value.
const Placeholder = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"api_key":       {},
	"apikey":        {},
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"private_key":   {},
	"authorization": {},
}

var defaultPatterns = []*regexp.Regexp{
	// Bearer tokens in header-ish strings.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`),
	// Common vendor key prefixes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// JWT-shaped strings.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\b`),
	// key=value assignments for sensitive names.
	regexp.MustCompile(`(?i)(password|api[_-]?key|secret|token)\s*[=:]\s*\S+`),
}

// Scrubber applies redaction patterns to arbitrary values.
type Scrubber struct {
	patterns []*regexp.Regexp
}

// New returns a Scrubber with the built-in patterns plus any extra
// expressions supplied by policy configuration. Invalid extras are skipped.
func New(extra ...string) *Scrubber {
	s := &Scrubber{patterns: defaultPatterns}
	for _, raw := range extra {
		re, err := regexp.Compile(raw)
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, re)
	}
	return s
}

// Scrub returns a deep copy of v with secret-shaped content replaced.
// Maps keyed by a sensitive name have their whole value replaced; strings are
// pattern-scrubbed in place.
func (s *Scrubber) Scrub(v any) any {
	switch val := v.(type) {
	case string:
		return s.scrubString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, sensitive := sensitiveKeys[normalizeKey(k)]; sensitive {
				out[k] = Placeholder
				continue
			}
			out[k] = s.Scrub(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.Scrub(inner)
		}
		return out
	default:
		return v
	}
}

// ScrubMap is a convenience wrapper for the common map payload case.
func (s *Scrubber) ScrubMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := s.Scrub(m).(map[string]any)
	return out
}

func (s *Scrubber) scrubString(in string) string {
	out := in
	for _, re := range s.patterns {
		out = re.ReplaceAllString(out, Placeholder)
	}
	return out
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "-", "_")
}
