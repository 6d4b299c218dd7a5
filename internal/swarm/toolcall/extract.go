// Package toolcall recovers structured data — JSON values and XML-shaped
// tool-call directives — from free-form text a language model returned. Both
// entry points are pure functions: they never panic and never return an
// error, only an "ok" boolean, because malformed model output is an expected
// occurrence, not an exceptional one.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedAnyBlock  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*(.*?)\\s*```")
)

// ExtractJSON returns the first syntactically valid JSON value it can
// recover from text, trying progressively less structured strategies:
// a ```json fenced block, then any fenced block, then the outermost {...}
// span, then the outermost [...] span.
func ExtractJSON(text string) (any, bool) {
	for _, candidate := range jsonCandidates(text) {
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

func jsonCandidates(text string) []string {
	var candidates []string

	if m := fencedJSONBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := fencedAnyBlock.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if span := outermostSpan(text, '{', '}'); span != "" {
		candidates = append(candidates, span)
	}
	if span := outermostSpan(text, '[', ']'); span != "" {
		candidates = append(candidates, span)
	}
	return candidates
}

// outermostSpan returns the substring from the first occurrence of open to
// the last occurrence of close, inclusive, or "" if either is missing or
// they are out of order.
func outermostSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, close)
	if end < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
