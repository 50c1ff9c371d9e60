package extract

import (
	"fmt"

	"github.com/spf13/cast"
)

// RequiredFields lists the extraction keys in the order they are checked.
var RequiredFields = []string{"feature", "decision", "tasks", "stage", "risk", "confidence", "entities"}

// EmbeddingDimensions is the exact vector length a context record accepts.
const EmbeddingDimensions = 1536

// Allowed stage and risk values under strict validation.
var (
	Stages = []string{"planning", "implementation", "testing", "deployment"}
	Risks  = []string{"low", "medium", "high"}
)

var (
	validStages = setOf(Stages)
	validRisks  = setOf(Risks)
)

func setOf(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

// Result is a validated extraction.
type Result struct {
	Feature    string   `json:"feature"`
	Decision   string   `json:"decision"`
	Tasks      []string `json:"tasks"`
	Stage      string   `json:"stage"`
	Risk       string   `json:"risk"`
	Confidence float64  `json:"confidence"`
	Entities   []string `json:"entities"`
}

// ValidateFields checks every required key is present and stops at the first miss.
// Values are not type-checked.
func ValidateFields(data map[string]any) error {
	for _, field := range RequiredFields {
		if _, ok := data[field]; !ok {
			return missingField(field)
		}
	}
	return nil
}

// ValidateStrict runs ValidateFields, then checks value types, the confidence
// range and stage/risk enum membership.
func ValidateStrict(data map[string]any) error {
	if err := ValidateFields(data); err != nil {
		return err
	}

	for _, field := range []string{"feature", "decision", "stage", "risk"} {
		if _, ok := data[field].(string); !ok {
			return &SchemaValidationError{Field: field, Reason: fmt.Sprintf("%s must be a string", field)}
		}
	}
	for _, field := range []string{"tasks", "entities"} {
		if _, ok := data[field].([]any); !ok {
			return &SchemaValidationError{Field: field, Reason: fmt.Sprintf("%s must be a list", field)}
		}
	}

	conf, err := cast.ToFloat64E(data["confidence"])
	if err != nil {
		return &SchemaValidationError{Field: "confidence", Reason: "confidence must be a number", Err: err}
	}
	if conf < 0 || conf > 1 {
		return &SchemaValidationError{Field: "confidence", Reason: fmt.Sprintf("confidence %.3f outside [0, 1]", conf)}
	}
	if stage := data["stage"].(string); !validStages[stage] {
		return &SchemaValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
	if risk := data["risk"].(string); !validRisks[risk] {
		return &SchemaValidationError{Field: "risk", Reason: fmt.Sprintf("unknown risk %q", risk)}
	}
	return nil
}

// ValidateEmbedding enforces the fixed embedding length.
func ValidateEmbedding(vec []float32) error {
	if len(vec) != EmbeddingDimensions {
		return &SchemaValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("embedding has %d dimensions, want %d", len(vec), EmbeddingDimensions),
		}
	}
	return nil
}

// ToResult converts validated data into a Result. Conversion is lenient: values of
// unexpected types are coerced where possible and zeroed otherwise.
func ToResult(data map[string]any) Result {
	return Result{
		Feature:    cast.ToString(data["feature"]),
		Decision:   cast.ToString(data["decision"]),
		Tasks:      toStrings(data["tasks"]),
		Stage:      cast.ToString(data["stage"]),
		Risk:       cast.ToString(data["risk"]),
		Confidence: cast.ToFloat64(data["confidence"]),
		Entities:   toStrings(data["entities"]),
	}
}

// toStrings keeps a scalar string whole; cast would split it on whitespace.
func toStrings(v any) []string {
	if s, ok := v.(string); ok {
		return []string{s}
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil || out == nil {
		return []string{}
	}
	return out
}
