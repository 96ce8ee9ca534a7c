// Package sanitize normalizes reply text coming out of the language model
// before it is queued for send or stored as a draft. Models occasionally leak
// structured output (a JSON object, sometimes inside a fenced code block)
// instead of plain prose; this package unwraps it.
package sanitize

import (
	"encoding/json"
	"strings"
)

// textFields is the fixed priority order of text-bearing fields extracted
// from a JSON object reply.
var textFields = []string{"response", "message", "reply", "text", "answer"}

const maxDepth = 4

// Result is the outcome of sanitizing one reply.
type Result struct {
	// Text is the plain text safe to send.
	Text string `json:"text"`
	// WasJSON marks a data-quality anomaly: the reply arrived JSON-shaped.
	// The text still ships; the flag exists for observability.
	WasJSON bool `json:"was_json"`
}

// Sanitize normalizes raw model output into plain text. It is pure and
// idempotent: sanitizing already-sanitized text is a no-op.
func Sanitize(raw string) Result {
	text, wasJSON := sanitize(raw, 0)
	return Result{Text: text, WasJSON: wasJSON}
}

func sanitize(raw string, depth int) (string, bool) {
	if depth > maxDepth {
		return strings.TrimSpace(raw), false
	}

	s := strings.TrimSpace(raw)
	if fenced, ok := unwrapFence(s); ok {
		s = strings.TrimSpace(fenced)
	}

	if !looksLikeJSON(s) {
		return s, false
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		// JSON-looking but malformed, pass through untouched
		return s, false
	}

	switch val := v.(type) {
	case string:
		// a bare JSON string: unquote, then re-check in case the payload was
		// double-encoded
		inner, _ := sanitize(val, depth+1)
		return inner, true
	case map[string]any:
		for _, field := range textFields {
			fv, ok := val[field]
			if !ok {
				continue
			}
			if str, ok := fv.(string); ok && strings.TrimSpace(str) != "" {
				inner, _ := sanitize(str, depth+1)
				return inner, true
			}
		}
		// no known text-bearing field: ship a stable stringified form rather
		// than silently sending malformed text
		return stringify(val), true
	case []any:
		if len(val) > 0 {
			if b, err := json.Marshal(val[0]); err == nil {
				inner, _ := sanitize(string(b), depth+1)
				return inner, true
			}
		}
		return stringify(val), true
	default:
		return s, false
	}
}

// unwrapFence strips a Markdown code fence (``` or ```json) wrapping the
// whole input. Returns ok=false when the input is not a single fenced block.
func unwrapFence(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	rest := s[3:]
	// optional language tag up to the first newline
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		lang := strings.TrimSpace(rest[:idx])
		if lang == "" || isFenceLang(lang) {
			rest = rest[idx+1:]
		}
	}
	end := strings.LastIndex(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func isFenceLang(lang string) bool {
	switch strings.ToLower(lang) {
	case "json", "javascript", "js", "text", "txt":
		return true
	}
	return false
}

// looksLikeJSON is a cheap gate so plain prose (including prose that happens
// to contain digits) never round-trips through the JSON decoder.
func looksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

// stringify produces a stable compact representation so repeated sanitizing
// of an unknown-shape object yields byte-identical output.
func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
