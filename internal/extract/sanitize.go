package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

const (
	jsonFence    = "```json"
	genericFence = "```"
)

// Sanitize strips a reasoning block and code-fence wrapping from raw oracle text.
// Only the first <think>…</think> block is removed. Fence extraction applies only
// when the trimmed text starts with a fence; otherwise the trimmed text is returned.
func Sanitize(raw string) string {
	text := raw
	if loc := thinkBlock.FindStringIndex(text); loc != nil {
		text = text[:loc[0]] + text[loc[1]:]
	}
	text = strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(text, jsonFence):
		text = betweenFences(text[len(jsonFence):])
	case strings.HasPrefix(text, genericFence):
		text = betweenFences(text[len(genericFence):])
	}
	return text
}

// betweenFences returns rest up to the next closing fence, trimmed.
// An unclosed fence yields everything after the opening marker.
func betweenFences(rest string) string {
	if end := strings.Index(rest, genericFence); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// ParseSanitized sanitizes raw oracle output and decodes it as a JSON object.
func ParseSanitized(raw string) (map[string]any, error) {
	text := Sanitize(raw)

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, &ParseError{Snippet: snippet(text, 120), Err: err}
	}
	if data == nil {
		return nil, &ParseError{Snippet: snippet(text, 120), Err: errNotObject}
	}
	return data, nil
}

var errNotObject = errors.New("top-level value is not an object")

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
