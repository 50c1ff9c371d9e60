package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

const secretRefPrefix = "arn:aws:secretsmanager:"

// SecretsAPI is the subset of the Secrets Manager client used to resolve keys.
type SecretsAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsAPI builds a Secrets Manager client from the default AWS config chain.
func NewSecretsAPI(ctx context.Context, region string) (SecretsAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// IsSecretRef reports whether v names a Secrets Manager secret.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), secretRefPrefix)
}

// HasSecretRefs reports whether any API key is a Secrets Manager ARN.
func (r ResolvedConfig) HasSecretRefs() bool {
	if IsSecretRef(r.EmbedAPIKey.Value) {
		return true
	}
	for _, v := range r.LLMKeys {
		if IsSecretRef(v.Value) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces ARN-valued API keys with the secret contents.
// A secret holding a JSON object uses its "api_key" field.
func (r *ResolvedConfig) ResolveSecrets(ctx context.Context, api SecretsAPI) error {
	resolve := func(v *ResolvedValue) error {
		if !IsSecretRef(v.Value) {
			return nil
		}
		arn := strings.TrimSpace(v.Value)
		secret, err := fetchSecret(ctx, api, arn)
		if err != nil {
			return err
		}
		*v = ResolvedValue{Value: secret, Source: SourceSecret, From: arn}
		return nil
	}

	if err := resolve(&r.EmbedAPIKey); err != nil {
		return err
	}
	for provider, v := range r.LLMKeys {
		if err := resolve(&v); err != nil {
			return err
		}
		r.LLMKeys[provider] = v
	}
	return nil
}

func fetchSecret(ctx context.Context, api SecretsAPI, arn string) (string, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("resolving secret %s: %s: %s", arn, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("resolving secret %s: %w", arn, err)
	}

	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if value == "" {
		return "", fmt.Errorf("resolving secret %s: secret has no string value", arn)
	}
	if strings.HasPrefix(value, "{") {
		var fields map[string]string
		if err := json.Unmarshal([]byte(value), &fields); err == nil {
			if key := strings.TrimSpace(fields["api_key"]); key != "" {
				return key, nil
			}
			return "", fmt.Errorf("resolving secret %s: JSON secret has no api_key field", arn)
		}
	}
	return value, nil
}
