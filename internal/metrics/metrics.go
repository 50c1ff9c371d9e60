// Package metrics publishes pipeline outcome counters.
//
// Publication is best effort: callers log and discard errors, so a failing
// sink never changes a pipeline outcome.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Metric names emitted by the pipeline.
const (
	ExtractionSucceeded    = "ExtractionSucceeded"
	CommitLinked           = "CommitLinked"
	SchemaValidationFailed = "SchemaValidationFailed"
	PipelineFailed         = "PipelineFailed"
	ReconcileLookupFailed  = "ReconcileLookupFailed"
)

// DimensionProject is the dimension every pipeline metric carries.
const DimensionProject = "ProjectId"

// Dimension is a single metric dimension.
type Dimension struct {
	Name  string
	Value string
}

// Project returns the ProjectId dimension for projectID.
func Project(projectID string) Dimension {
	return Dimension{Name: DimensionProject, Value: projectID}
}

// Publisher emits one data point per call.
type Publisher interface {
	Publish(ctx context.Context, name string, value float64, dim Dimension) error
}

// Nop discards every metric.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, float64, Dimension) error { return nil }

// LogPublisher writes metrics as structured log lines.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default().
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, name string, value float64, dim Dimension) error {
	p.logger.InfoContext(ctx, "metric",
		slog.String("name", name),
		slog.Float64("value", value),
		slog.String(dim.Name, dim.Value),
	)
	return nil
}

// Point is a metric captured by Recorder.
type Point struct {
	Name      string
	Value     float64
	Dimension Dimension
}

// Recorder keeps published metrics in memory so callers can inspect what a run
// emitted.
type Recorder struct {
	mu     sync.Mutex
	points []Point
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, name string, value float64, dim Dimension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, Point{Name: name, Value: value, Dimension: dim})
	return nil
}

// Points returns a copy of everything recorded so far.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

// Count sums the values recorded under name.
func (r *Recorder) Count(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, p := range r.points {
		if p.Name == name {
			total += p.Value
		}
	}
	return total
}

// Sink names accepted by New.
const (
	SinkNone       = "none"
	SinkLog        = "log"
	SinkCloudWatch = "cloudwatch"
)

// New builds the publisher named by sink.
func New(ctx context.Context, sink, namespace, region string, logger *slog.Logger) (Publisher, error) {
	switch sink {
	case "", SinkLog:
		return NewLogPublisher(logger), nil
	case SinkNone:
		return Nop{}, nil
	case SinkCloudWatch:
		return NewCloudWatch(ctx, namespace, region)
	default:
		return nil, fmt.Errorf("unknown metrics sink %q (use log, cloudwatch, or none)", sink)
	}
}
