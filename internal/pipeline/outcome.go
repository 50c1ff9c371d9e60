package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hurttlocker/devctx/internal/metrics"
	"github.com/hurttlocker/devctx/internal/store"
)

// Kind classifies a terminal pipeline outcome.
type Kind int

const (
	OutcomeOK Kind = iota
	OutcomeSchemaInvalid
	OutcomeFatal
)

func (k Kind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeSchemaInvalid:
		return "schema_invalid"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of processing one event.
//
// For OutcomeOK, EventID names the record that was created or bound, which
// for a commit link is the earlier record rather than the inbound event.
// Record is nil only for OutcomeFatal.
type Outcome struct {
	Kind    Kind
	EventID string
	Action  string
	Record  *store.ContextRecord
	Err     error
}

// Reason returns the failure text, or "" on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func fatal(eventID string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, EventID: eventID, Err: err}
}

// Response is the invocation envelope returned to every caller.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// SuccessBody is the JSON body of a 200 response.
type SuccessBody struct {
	Message string `json:"message"`
	EventID string `json:"eventId"`
	Status  string `json:"status"`
}

// ErrorBody is the JSON body of a 500 response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Handle decodes a raw invocation payload, processes it and returns the envelope.
func (c *Controller) Handle(ctx context.Context, raw []byte) Response {
	ev, err := DecodeEvent(raw)
	if err != nil {
		out := fatal("", err)
		c.logger.ErrorContext(ctx, "rejecting invocation", slog.Any("error", err))
		c.publish(ctx, metrics.PipelineFailed, DefaultProjectID)
		return NewResponse(out)
	}
	return NewResponse(c.Process(ctx, ev))
}

// NewResponse maps an Outcome to the invocation envelope.
func NewResponse(o Outcome) Response {
	var (
		status int
		body   any
	)
	switch o.Kind {
	case OutcomeOK:
		status = http.StatusOK
		msg := "Context extracted successfully"
		if o.Action == store.ActionCommitLinked {
			msg = "Commit linked to existing context"
		}
		b := SuccessBody{Message: msg, EventID: o.EventID}
		if o.Record != nil {
			b.Status = o.Record.Status
		}
		body = b
	case OutcomeSchemaInvalid:
		status = http.StatusInternalServerError
		body = ErrorBody{Error: o.Reason()}
	default:
		status = http.StatusInternalServerError
		body = ErrorBody{Error: "pipeline failed: " + o.Reason()}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		encoded = []byte(`{"error":"encoding response"}`)
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(encoded),
	}
}
