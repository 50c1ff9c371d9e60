// Package pipeline sequences one development event through reconciliation,
// extraction and persistence.
//
// Each call is a single synchronous pass: normalize, then bind or extract,
// then persist, audit and update project activity. The Controller is the only
// component that writes context records, audit entries or activity.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurttlocker/devctx/internal/extract"
	"github.com/hurttlocker/devctx/internal/metrics"
	"github.com/hurttlocker/devctx/internal/reconcile"
	"github.com/hurttlocker/devctx/internal/store"
)

// Extractor produces a validated extraction for a diff.
type Extractor interface {
	Extract(ctx context.Context, diff string) (*extract.Extraction, error)
}

// Matcher finds the uncommitted record a commit event should bind to.
type Matcher interface {
	Match(ctx context.Context, q reconcile.Query) (reconcile.Result, error)
}

// Controller runs the pipeline state machine.
type Controller struct {
	store     store.Store
	extractor Extractor
	matcher   Matcher
	metrics   metrics.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMatcher overrides the default reconcile.Matcher over the store.
func WithMatcher(m Matcher) Option {
	return func(c *Controller) { c.matcher = m }
}

// WithMetrics sets the metrics sink. The default discards metrics.
func WithMetrics(p metrics.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.metrics = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the wall clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a Controller over a store and an extractor.
func NewController(s store.Store, x Extractor, opts ...Option) *Controller {
	c := &Controller{
		store:     s,
		extractor: x,
		metrics:   metrics.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.matcher == nil {
		c.matcher = reconcile.NewMatcher(s, reconcile.WithLogger(c.logger))
	}
	return c
}

// Process runs one event to a terminal Outcome and publishes its metric.
func (c *Controller) Process(ctx context.Context, ev Event) Outcome {
	out := c.run(ctx, ev)

	switch out.Kind {
	case OutcomeOK:
		name := metrics.ExtractionSucceeded
		if out.Action == store.ActionCommitLinked {
			name = metrics.CommitLinked
		}
		c.publish(ctx, name, ev.ProjectID)
		c.logger.InfoContext(ctx, "event processed",
			slog.String("event_id", ev.EventID),
			slog.String("record_id", out.EventID),
			slog.String("action", out.Action),
		)
	case OutcomeSchemaInvalid:
		c.publish(ctx, metrics.SchemaValidationFailed, ev.ProjectID)
		c.logger.WarnContext(ctx, "extraction rejected",
			slog.String("event_id", ev.EventID),
			slog.Any("error", out.Err),
		)
	default:
		c.publish(ctx, metrics.PipelineFailed, ev.ProjectID)
		c.logger.ErrorContext(ctx, "pipeline failed",
			slog.String("event_id", ev.EventID),
			slog.Any("error", out.Err),
		)
	}
	return out
}

func (c *Controller) run(ctx context.Context, ev Event) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = fatal(ev.EventID, fmt.Errorf("unexpected panic: %v", r))
		}
	}()

	if ev.HasCommit() {
		bound, ok := c.bind(ctx, ev)
		if ok {
			return bound
		}
	}
	return c.extract(ctx, ev)
}

// bind attempts the reconciliation path. ok is false when the event should
// fall through to extraction.
func (c *Controller) bind(ctx context.Context, ev Event) (Outcome, bool) {
	res, err := c.matcher.Match(ctx, reconcile.Query{
		ProjectID: ev.ProjectID,
		Branch:    ev.Branch,
		Author:    ev.Author,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return fatal(ev.EventID, err), true
	}
	if res.Degraded {
		c.publish(ctx, metrics.ReconcileLookupFailed, ev.ProjectID)
	}
	if !res.Matched() {
		return Outcome{}, false
	}

	target := res.Record
	err = c.store.BindCommit(ctx, target.EventID, *ev.CommitHash, ev.Timestamp)
	if errors.Is(err, store.ErrBindConflict) {
		c.logger.InfoContext(ctx, "bind lost to a concurrent writer, extracting instead",
			slog.String("event_id", ev.EventID),
			slog.String("target", target.EventID),
		)
		return Outcome{}, false
	}
	if err != nil {
		return fatal(ev.EventID, err), true
	}

	committedAt := ev.Timestamp
	target.CommitHash = ev.CommitHash
	target.Status = store.StatusComplete
	target.CommittedAt = &committedAt

	if err := c.recordSuccess(ctx, ev, target.EventID, store.ActionCommitLinked); err != nil {
		return fatal(ev.EventID, err), true
	}
	return Outcome{Kind: OutcomeOK, EventID: target.EventID, Action: store.ActionCommitLinked, Record: target}, true
}

func (c *Controller) extract(ctx context.Context, ev Event) Outcome {
	x, err := c.extractor.Extract(ctx, ev.Diff)
	if err != nil {
		var schemaErr *extract.SchemaValidationError
		if !errors.As(err, &schemaErr) {
			return fatal(ev.EventID, err)
		}
		return c.persistFailure(ctx, ev, err)
	}

	rec := &store.ContextRecord{
		EventID:      ev.EventID,
		ProjectID:    ev.ProjectID,
		Branch:       ev.Branch,
		Author:       ev.Author,
		Status:       store.StatusUncommitted,
		ExtractedAt:  ev.Timestamp,
		ModelVersion: x.ModelVersion,
		Embedding:    x.Embedding,
		Feature:      x.Result.Feature,
		Decision:     x.Result.Decision,
		Tasks:        x.Result.Tasks,
		Stage:        x.Result.Stage,
		Risk:         x.Result.Risk,
		Confidence:   x.Result.Confidence,
		Entities:     x.Result.Entities,
	}
	if ev.HasCommit() {
		committedAt := ev.Timestamp
		rec.Status = store.StatusComplete
		rec.CommitHash = ev.CommitHash
		rec.CommittedAt = &committedAt
	}

	if err := c.store.PutRecord(ctx, rec); err != nil {
		return fatal(ev.EventID, err)
	}
	if err := c.recordSuccess(ctx, ev, rec.EventID, store.ActionContextExtracted); err != nil {
		return fatal(ev.EventID, err)
	}
	return Outcome{Kind: OutcomeOK, EventID: rec.EventID, Action: store.ActionContextExtracted, Record: rec}
}

func (c *Controller) persistFailure(ctx context.Context, ev Event, cause error) Outcome {
	msg := cause.Error()
	rec := &store.ContextRecord{
		EventID:     ev.EventID,
		ProjectID:   ev.ProjectID,
		Branch:      ev.Branch,
		Author:      ev.Author,
		Status:      store.StatusFailed,
		ExtractedAt: ev.Timestamp,
		Error:       &msg,
	}
	if err := c.store.PutRecord(ctx, rec); err != nil {
		return fatal(ev.EventID, fmt.Errorf("persisting failed record after %v: %w", cause, err))
	}
	return Outcome{Kind: OutcomeSchemaInvalid, EventID: ev.EventID, Record: rec, Err: cause}
}

// recordSuccess writes the audit entry and advances project activity.
func (c *Controller) recordSuccess(ctx context.Context, ev Event, entityID, action string) error {
	if err := c.store.AppendAudit(ctx, &store.AuditRecord{
		EntityID:  entityID,
		Action:    action,
		Timestamp: c.now().UTC(),
		ProjectID: ev.ProjectID,
		Branch:    ev.Branch,
		Author:    ev.Author,
	}); err != nil {
		return fmt.Errorf("appending audit: %w", err)
	}
	if err := c.store.TouchProject(ctx, ev.ProjectID, ev.Timestamp); err != nil {
		return fmt.Errorf("updating project activity: %w", err)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, name, projectID string) {
	if err := c.metrics.Publish(ctx, name, 1, metrics.Project(projectID)); err != nil {
		c.logger.WarnContext(ctx, "metric publish failed",
			slog.String("metric", name),
			slog.Any("error", err),
		)
	}
}
