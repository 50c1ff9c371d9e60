// Package reconcile finds the uncommitted context record a commit belongs to.
//
// A commit event binds to at most one earlier log-first record that shares its
// project, branch and author and whose extraction time falls inside the match
// window ending at the commit timestamp.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurttlocker/devctx/internal/store"
)

// DefaultWindow is how far before a commit an uncommitted record may lie.
const DefaultWindow = 30 * time.Minute

// LookupPolicy decides what a failed candidate lookup means.
type LookupPolicy int

const (
	// FailOpen treats a lookup failure as "no match" so the event is re-extracted.
	FailOpen LookupPolicy = iota
	// FailClosed surfaces the lookup failure to the caller.
	FailClosed
)

func (p LookupPolicy) String() string {
	switch p {
	case FailOpen:
		return "fail-open"
	case FailClosed:
		return "fail-closed"
	default:
		return fmt.Sprintf("LookupPolicy(%d)", int(p))
	}
}

// Finder is the slice of the store the matcher reads from.
type Finder interface {
	FindUncommitted(ctx context.Context, projectID, branch string, from, to time.Time) ([]*store.ContextRecord, error)
}

// Query identifies the commit being reconciled.
type Query struct {
	ProjectID string
	Branch    string
	Author    string
	Timestamp time.Time
}

// Result is the outcome of a match attempt.
// Degraded is set when the lookup failed and FailOpen turned it into a miss.
type Result struct {
	Record    *store.ContextRecord
	Degraded  bool
	LookupErr error
}

// Matched reports whether a record was found.
func (r Result) Matched() bool { return r.Record != nil }

// Matcher applies the time-window and identity policy over a Finder.
type Matcher struct {
	finder Finder
	window time.Duration
	policy LookupPolicy
	logger *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithPolicy sets the lookup failure policy. The default is FailOpen.
func WithPolicy(p LookupPolicy) Option {
	return func(m *Matcher) { m.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMatcher creates a Matcher.
func NewMatcher(finder Finder, opts ...Option) *Matcher {
	m := &Matcher{
		finder: finder,
		window: DefaultWindow,
		policy: FailOpen,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured match window.
func (m *Matcher) Window() time.Duration { return m.window }

// Policy returns the configured lookup policy.
func (m *Matcher) Policy() LookupPolicy { return m.policy }

// Match returns the most recent eligible uncommitted record for q.
// Under FailClosed a lookup failure is returned as an error; under FailOpen it
// yields an unmatched, degraded Result and a nil error.
func (m *Matcher) Match(ctx context.Context, q Query) (Result, error) {
	from := q.Timestamp.Add(-m.window)
	candidates, err := m.finder.FindUncommitted(ctx, q.ProjectID, q.Branch, from, q.Timestamp)
	if err != nil {
		if m.policy == FailClosed {
			return Result{LookupErr: err}, fmt.Errorf("looking up uncommitted records: %w", err)
		}
		m.logger.WarnContext(ctx, "reconcile lookup failed, treating as no match",
			slog.String("policy", m.policy.String()),
			slog.String("key", store.CompositeKey(q.ProjectID, q.Branch)),
			slog.Any("error", err),
		)
		return Result{Degraded: true, LookupErr: err}, nil
	}

	var best *store.ContextRecord
	for _, c := range candidates {
		if !m.eligible(c, q, from) {
			continue
		}
		if best == nil || c.ExtractedAt.After(best.ExtractedAt) {
			best = c
		}
	}
	return Result{Record: best}, nil
}

func (m *Matcher) eligible(c *store.ContextRecord, q Query, from time.Time) bool {
	if c == nil || c.Status != store.StatusUncommitted {
		return false
	}
	if c.CompositeKey() != store.CompositeKey(q.ProjectID, q.Branch) {
		return false
	}
	if c.Author != q.Author {
		return false
	}
	return !c.ExtractedAt.Before(from) && !c.ExtractedAt.After(q.Timestamp)
}
