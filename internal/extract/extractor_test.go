package extract

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/devctx/internal/llm"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response   string
	err        error
	calls      int
	lastPrompt string
	lastOpts   llm.CompletionOpts
}

func (m *mockProvider) Complete(_ context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	m.calls++
	m.lastPrompt = prompt
	m.lastOpts = opts
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockProvider) Name() string { return "mock/test-model" }

// mockEmbedder implements embed.Embedder for testing.
type mockEmbedder struct {
	dims      int
	err       error
	calls     int
	lastInput string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls++
	m.lastInput = text
	if m.err != nil {
		return nil, m.err
	}
	return make([]float32, m.dims), nil
}

const goodResponse = "<think>looks like auth work</think>\n```json\n" + `{
  "feature": "auth",
  "decision": "use jwt",
  "tasks": ["add middleware", "rotate keys"],
  "stage": "implementation",
  "risk": "medium",
  "confidence": 0.82,
  "entities": ["AuthMiddleware"]
}` + "\n```"

func TestExtractSuccess(t *testing.T) {
	provider := &mockProvider{response: goodResponse}
	embedder := &mockEmbedder{dims: 1536}
	x := NewExtractor(provider, embedder)

	out, err := x.Extract(context.Background(), "diff --git a/auth.go b/auth.go")
	require.NoError(t, err)

	assert.Equal(t, "auth", out.Result.Feature)
	assert.Equal(t, "implementation", out.Result.Stage)
	assert.Equal(t, 0.82, out.Result.Confidence)
	assert.Equal(t, []string{"add middleware", "rotate keys"}, out.Result.Tasks)
	assert.Len(t, out.Embedding, 1536)
	assert.Equal(t, "mock/test-model", out.ModelVersion)

	assert.Contains(t, provider.lastPrompt, "diff --git a/auth.go b/auth.go")
	for _, f := range RequiredFields {
		assert.Contains(t, provider.lastPrompt, `"`+f+`"`, "prompt must request %q", f)
	}
	assert.Equal(t, DefaultMaxTokens, provider.lastOpts.MaxTokens)
	assert.Equal(t, DefaultTopP, provider.lastOpts.TopP)
	assert.Equal(t, DefaultTemperature, provider.lastOpts.Temperature)

	var query map[string]any
	require.NoError(t, json.Unmarshal([]byte(embedder.lastInput), &query), "embedding query is the serialized result")
	assert.Equal(t, "auth", query["feature"])
}

func TestExtractSamplingOptions(t *testing.T) {
	provider := &mockProvider{response: goodResponse}
	x := NewExtractor(provider, &mockEmbedder{dims: 1536}, WithSampling(256, 0.3, 0.5))
	_, err := x.Extract(context.Background(), "d")
	require.NoError(t, err)

	assert.Equal(t, 256, provider.lastOpts.MaxTokens)
	assert.Equal(t, 0.3, provider.lastOpts.Temperature)
	assert.Equal(t, 0.5, provider.lastOpts.TopP)
}

func TestExtractFailuresAreSchemaErrors(t *testing.T) {
	tests := []struct {
		name      string
		provider  *mockProvider
		embedder  *mockEmbedder
		wantField string
		wantParse bool
		embedded  bool
	}{
		{
			name:     "oracle transport failure",
			provider: &mockProvider{err: errors.New("connection reset")},
			embedder: &mockEmbedder{dims: 1536},
		},
		{
			name:      "unparseable output",
			provider:  &mockProvider{response: "I cannot help with that."},
			embedder:  &mockEmbedder{dims: 1536},
			wantParse: true,
		},
		{
			name:      "missing field",
			provider:  &mockProvider{response: `{"feature":"a","decision":"b","tasks":[],"stage":"testing","confidence":0.1,"entities":[]}`},
			embedder:  &mockEmbedder{dims: 1536},
			wantField: "risk",
		},
		{
			name:     "embedding oracle failure",
			provider: &mockProvider{response: goodResponse},
			embedder: &mockEmbedder{err: errors.New("quota exceeded")},
			embedded: true,
		},
		{
			name:      "short embedding",
			provider:  &mockProvider{response: goodResponse},
			embedder:  &mockEmbedder{dims: 1535},
			wantField: "embedding",
			embedded:  true,
		},
		{
			name:      "long embedding",
			provider:  &mockProvider{response: goodResponse},
			embedder:  &mockEmbedder{dims: 1537},
			wantField: "embedding",
			embedded:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExtractor(tt.provider, tt.embedder)
			out, err := x.Extract(context.Background(), "diff")
			require.Nil(t, out)

			var sve *SchemaValidationError
			require.ErrorAs(t, err, &sve)
			assert.Equal(t, tt.wantField, sve.Field)

			var pe *ParseError
			assert.Equal(t, tt.wantParse, errors.As(err, &pe), "ParseError in chain")
			assert.Equal(t, tt.embedded, tt.embedder.calls > 0, "embedder called")
			assert.Equal(t, 1, tt.provider.calls, "exactly one oracle call")
		})
	}
}

func TestExtractStrictValidation(t *testing.T) {
	resp := `{"feature":"a","decision":"b","tasks":[],"stage":"shipping","risk":"low","confidence":0.5,"entities":[]}`

	lenient := NewExtractor(&mockProvider{response: resp}, &mockEmbedder{dims: 1536})
	_, err := lenient.Extract(context.Background(), "d")
	require.NoError(t, err, "presence-only validation accepts an unknown stage")

	strict := NewExtractor(&mockProvider{response: resp}, &mockEmbedder{dims: 1536}, WithStrictValidation(true))
	_, err = strict.Extract(context.Background(), "d")
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "stage", sve.Field)
}
