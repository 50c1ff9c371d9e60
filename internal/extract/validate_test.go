package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validData() map[string]any {
	return map[string]any{
		"feature":    "auth",
		"decision":   "use jwt",
		"tasks":      []any{"add middleware"},
		"stage":      "implementation",
		"risk":       "medium",
		"confidence": 0.8,
		"entities":   []any{"AuthMiddleware"},
	}
}

func TestValidateFieldsAcceptsComplete(t *testing.T) {
	assert.NoError(t, ValidateFields(validData()))
}

func TestValidateFieldsAcceptsEmptySequences(t *testing.T) {
	data := validData()
	data["tasks"] = []any{}
	data["entities"] = []any{}
	assert.NoError(t, ValidateFields(data))
}

func TestValidateFieldsNamesMissingField(t *testing.T) {
	for _, field := range RequiredFields {
		t.Run(field, func(t *testing.T) {
			data := validData()
			delete(data, field)

			err := ValidateFields(data)
			var sve *SchemaValidationError
			require.ErrorAs(t, err, &sve)
			assert.Equal(t, field, sve.Field)
			assert.EqualError(t, sve, "schema validation failed: missing required field: "+field)
		})
	}
}

func TestValidateFieldsFailsFast(t *testing.T) {
	err := ValidateFields(map[string]any{"feature": "x"})
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "decision", sve.Field)
}

func TestValidateFieldsIgnoresTypes(t *testing.T) {
	data := validData()
	data["confidence"] = "very"
	data["stage"] = "shipping"
	data["tasks"] = nil
	assert.NoError(t, ValidateFields(data), "presence-only validation must not check types")
}

func TestValidateStrict(t *testing.T) {
	require.NoError(t, ValidateStrict(validData()))

	tests := []struct {
		field string
		value any
	}{
		{"confidence", 1.5},
		{"confidence", -0.1},
		{"confidence", "high"},
		{"stage", "shipping"},
		{"risk", "extreme"},
		{"tasks", "one task"},
		{"feature", 42},
	}
	for _, tt := range tests {
		data := validData()
		data[tt.field] = tt.value
		var sve *SchemaValidationError
		if assert.ErrorAs(t, ValidateStrict(data), &sve, "%s=%v", tt.field, tt.value) {
			assert.Equal(t, tt.field, sve.Field)
		}
	}
}

func TestValidateEmbedding(t *testing.T) {
	tests := []struct {
		n       int
		wantErr bool
	}{
		{1535, true},
		{1536, false},
		{1537, true},
		{0, true},
	}
	for _, tt := range tests {
		err := ValidateEmbedding(make([]float32, tt.n))
		if !tt.wantErr {
			assert.NoError(t, err, "len %d", tt.n)
			continue
		}
		var sve *SchemaValidationError
		if assert.ErrorAs(t, err, &sve, "len %d", tt.n) {
			assert.Equal(t, "embedding", sve.Field)
		}
	}
}

func TestToResultIsLenient(t *testing.T) {
	data := validData()
	data["confidence"] = "0.25"
	data["entities"] = nil

	r := ToResult(data)
	assert.Equal(t, 0.25, r.Confidence)
	assert.NotNil(t, r.Entities)
	assert.Empty(t, r.Entities)
	assert.Equal(t, []string{"add middleware"}, r.Tasks)
}

func TestToResultKeepsScalarStringWhole(t *testing.T) {
	data := validData()
	data["tasks"] = "add login page"
	data["entities"] = "SessionStore"

	r := ToResult(data)
	assert.Equal(t, []string{"add login page"}, r.Tasks)
	assert.Equal(t, []string{"SessionStore"}, r.Entities)
}
