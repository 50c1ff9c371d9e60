// Package extract turns a code diff into a validated development-context
// summary and its embedding.
//
// The flow is: extraction oracle → Sanitize → parse → validate → embedding
// oracle → dimension check. Every failure along that path is reported as a
// *SchemaValidationError so callers handle a single failure class.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hurttlocker/devctx/internal/embed"
	"github.com/hurttlocker/devctx/internal/llm"
)

// promptTemplate is the fixed instruction sent to the extraction oracle.
const promptTemplate = `Analyze the following code diff and return a JSON object with exactly these fields:
- "feature": short name of the feature being worked on
- "decision": the main technical decision the change reflects
- "tasks": list of concrete tasks the change performs or implies
- "stage": one of "planning", "implementation", "testing", "deployment"
- "risk": one of "low", "medium", "high"
- "confidence": number between 0.0 and 1.0 for how certain you are
- "entities": list of code entities (files, types, functions, services) touched

Return ONLY the JSON object. No explanation, no markdown.

DIFF:
---
%s
---`

// Defaults for oracle sampling.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.1
	DefaultTopP        = 0.9
)

// Extraction is a finished extraction: the validated summary and its embedding.
type Extraction struct {
	Result       Result
	Embedding    []float32
	ModelVersion string
	Latency      time.Duration
}

// Extractor drives the extraction and embedding oracles.
// It performs no retries.
type Extractor struct {
	provider llm.Provider
	embedder embed.Embedder
	opts     options
}

type options struct {
	maxTokens   int
	temperature float64
	topP        float64
	strict      bool
	logger      *slog.Logger
}

// Option configures an Extractor.
type Option func(*options)

// WithSampling overrides the oracle sampling parameters.
func WithSampling(maxTokens int, temperature, topP float64) Option {
	return func(o *options) {
		o.maxTokens = maxTokens
		o.temperature = temperature
		o.topP = topP
	}
}

// WithStrictValidation enables type, range and enum checks on top of presence checks.
func WithStrictValidation(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewExtractor creates an Extractor over the given oracles.
func NewExtractor(provider llm.Provider, embedder embed.Embedder, opts ...Option) *Extractor {
	o := options{
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Extractor{provider: provider, embedder: embedder, opts: o}
}

// ModelVersion names the extraction model.
func (x *Extractor) ModelVersion() string {
	return x.provider.Name()
}

// Extract runs the full extraction for one diff.
func (x *Extractor) Extract(ctx context.Context, diff string) (*Extraction, error) {
	start := time.Now()

	raw, err := x.provider.Complete(ctx, BuildPrompt(diff), llm.CompletionOpts{
		MaxTokens:   x.opts.maxTokens,
		Temperature: x.opts.temperature,
		TopP:        x.opts.topP,
	})
	if err != nil {
		return nil, &SchemaValidationError{Reason: "extraction oracle call failed", Err: err}
	}

	data, err := ParseSanitized(raw)
	if err != nil {
		return nil, &SchemaValidationError{Reason: "oracle output is not valid JSON", Err: err}
	}

	validate := ValidateFields
	if x.opts.strict {
		validate = ValidateStrict
	}
	if err := validate(data); err != nil {
		return nil, err
	}

	query, err := json.Marshal(data)
	if err != nil {
		return nil, &SchemaValidationError{Reason: "serializing embedding query", Err: err}
	}

	vec, err := x.embedder.Embed(ctx, string(query))
	if err != nil {
		return nil, &SchemaValidationError{Reason: "embedding oracle call failed", Err: err}
	}
	if err := ValidateEmbedding(vec); err != nil {
		return nil, err
	}

	out := &Extraction{
		Result:       ToResult(data),
		Embedding:    vec,
		ModelVersion: x.provider.Name(),
		Latency:      time.Since(start),
	}
	x.opts.logger.DebugContext(ctx, "extraction complete",
		slog.String("model", out.ModelVersion),
		slog.String("feature", out.Result.Feature),
		slog.Duration("latency", out.Latency),
	)
	return out, nil
}

// BuildPrompt embeds a diff in the fixed instruction template.
func BuildPrompt(diff string) string {
	return fmt.Sprintf(promptTemplate, diff)
}
