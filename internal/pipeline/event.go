package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Fallbacks for absent invocation fields. They keep ad-hoc invocations
// runnable and are not meant for production traffic.
const (
	DefaultProjectID = "test-project"
	DefaultBranch    = "main"
	DefaultAuthor    = "unknown"
	DefaultEventID   = "test-event"
	DefaultTimestamp = "2024-01-01T00:00:00Z"
	DefaultDiff      = "diff --git a/placeholder.txt b/placeholder.txt\n+placeholder change"
)

// Event is a normalized inbound development event.
// A nil CommitHash marks a log-first event.
type Event struct {
	EventID    string    `json:"eventId"`
	ProjectID  string    `json:"projectId"`
	Branch     string    `json:"branch"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	Diff       string    `json:"diff"`
	CommitHash *string   `json:"commitHash,omitempty"`
}

// HasCommit reports whether the event carries a commit hash.
func (e Event) HasCommit() bool {
	return e.CommitHash != nil
}

// DecodeEvent parses an invocation payload and applies field defaults.
// Payloads wrapped in an HTTP proxy envelope are unwrapped first; any other
// "body" field is ignored like the rest of the unknown fields.
func DecodeEvent(raw []byte) (Event, error) {
	fields := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Event{}, fmt.Errorf("decoding event: %w", err)
		}
	}
	if body, ok := proxyBody(fields); ok {
		inner := map[string]any{}
		if err := json.Unmarshal([]byte(body), &inner); err != nil {
			return Event{}, fmt.Errorf("decoding event body: %w", err)
		}
		fields = inner
	}
	return NormalizeEvent(fields)
}

// proxyBody returns the JSON object body of an API gateway proxy envelope
// (REST or HTTP API). The envelope is recognized by its request metadata.
func proxyBody(fields map[string]any) (string, bool) {
	if fields["diff"] != nil {
		return "", false
	}
	body, ok := fields["body"].(string)
	if !ok || !strings.HasPrefix(strings.TrimSpace(body), "{") {
		return "", false
	}
	for _, key := range []string{"requestContext", "httpMethod", "routeKey"} {
		if _, ok := fields[key]; ok {
			return body, true
		}
	}
	return "", false
}

// NormalizeEvent coerces loosely typed fields into an Event.
func NormalizeEvent(fields map[string]any) (Event, error) {
	ev := Event{
		EventID:   stringOr(fields, "eventId", DefaultEventID),
		ProjectID: stringOr(fields, "projectId", DefaultProjectID),
		Branch:    stringOr(fields, "branch", DefaultBranch),
		Author:    stringOr(fields, "author", DefaultAuthor),
		Diff:      stringOr(fields, "diff", DefaultDiff),
	}

	var tsValue any = DefaultTimestamp
	if v, ok := fields["timestamp"]; ok && v != nil && cast.ToString(v) != "" {
		tsValue = v
	}
	ts, err := cast.ToTimeE(tsValue)
	if err != nil {
		return Event{}, fmt.Errorf("parsing timestamp %v: %w", tsValue, err)
	}
	ev.Timestamp = ts.UTC()

	if v, ok := fields["commitHash"]; ok && v != nil {
		hash, err := cast.ToStringE(v)
		if err != nil {
			return Event{}, fmt.Errorf("parsing commitHash: %w", err)
		}
		if hash = strings.TrimSpace(hash); hash != "" {
			ev.CommitHash = &hash
		}
	}
	return ev, nil
}

func stringOr(fields map[string]any, key, fallback string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return fallback
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return fallback
	}
	return s
}
