package extract

import "fmt"

// Error codes carried by extraction failures.
const (
	CodeParse            = "PARSE_ERROR"
	CodeSchemaValidation = "SCHEMA_VALIDATION_FAILED"
)

// ParseError reports that sanitized oracle output is not structured data.
type ParseError struct {
	Snippet string // leading part of the offending text
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing oracle output: %v (text: %q)", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Code returns CodeParse.
func (e *ParseError) Code() string { return CodeParse }

// SchemaValidationError reports a schema contract violation: a missing required
// field, a wrong embedding length, or any failure surfaced by the Extractor.
// Field is empty when the failure is not tied to a single field.
type SchemaValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema validation failed: %s: %v", e.Reason, e.Err)
	}
	return "schema validation failed: " + e.Reason
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// Code returns CodeSchemaValidation.
func (e *SchemaValidationError) Code() string { return CodeSchemaValidation }

func missingField(field string) *SchemaValidationError {
	return &SchemaValidationError{Field: field, Reason: "missing required field: " + field}
}
