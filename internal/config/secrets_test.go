package config

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecretsAPI struct {
	secrets map[string]string
	err     error
	calls   int
}

func (m *mockSecretsAPI) GetSecretValue(
	_ context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("secret not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

const (
	llmARN   = "arn:aws:secretsmanager:us-east-1:123456789012:secret:devctx/llm"
	embedARN = "arn:aws:secretsmanager:us-east-1:123456789012:secret:devctx/embed"
)

func TestResolveSecrets(t *testing.T) {
	r := defaults()
	r.LLMKeys["openrouter"] = ResolvedValue{Value: llmARN, Source: SourceConfig}
	r.LLMKeys["google"] = ResolvedValue{Value: "plain-key", Source: SourceEnv}
	r.EmbedAPIKey = ResolvedValue{Value: embedARN, Source: SourceEnv}
	require.True(t, r.HasSecretRefs())

	api := &mockSecretsAPI{secrets: map[string]string{
		llmARN:   "sk-or-secret",
		embedARN: `{"api_key":"sk-embed-secret"}`,
	}}
	require.NoError(t, r.ResolveSecrets(context.Background(), api))

	assert.Equal(t, "sk-or-secret", r.LLMKeys["openrouter"].Value)
	assert.Equal(t, SourceSecret, r.LLMKeys["openrouter"].Source)
	assert.Equal(t, llmARN, r.LLMKeys["openrouter"].From)
	assert.Equal(t, "plain-key", r.LLMKeys["google"].Value)
	assert.Equal(t, "sk-embed-secret", r.EmbedAPIKey.Value)
	assert.Equal(t, 2, api.calls)
	assert.False(t, r.HasSecretRefs())
}

func TestResolveSecretsNotFound(t *testing.T) {
	r := defaults()
	r.EmbedAPIKey = ResolvedValue{Value: embedARN}

	err := r.ResolveSecrets(context.Background(), &mockSecretsAPI{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ResourceNotFoundException")
}

func TestResolveSecretsJSONWithoutKey(t *testing.T) {
	r := defaults()
	r.EmbedAPIKey = ResolvedValue{Value: embedARN}

	err := r.ResolveSecrets(context.Background(), &mockSecretsAPI{secrets: map[string]string{embedARN: `{"token":"x"}`}})
	assert.ErrorContains(t, err, "api_key")
}

func TestResolveSecretsTransportError(t *testing.T) {
	r := defaults()
	r.LLMKeys["openai"] = ResolvedValue{Value: llmARN}
	netErr := errors.New("dial tcp: timeout")

	err := r.ResolveSecrets(context.Background(), &mockSecretsAPI{err: netErr})
	assert.ErrorIs(t, err, netErr)
}

func TestResolveSecretsNoRefsIsNoop(t *testing.T) {
	r := defaults()
	r.LLMKeys["google"] = ResolvedValue{Value: "plain"}
	api := &mockSecretsAPI{}

	require.False(t, r.HasSecretRefs())
	require.NoError(t, r.ResolveSecrets(context.Background(), api))
	assert.Equal(t, 0, api.calls)
}
