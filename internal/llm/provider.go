// Package llm is the extraction oracle adapter for devctx.
// Providers speak plain HTTP to either the Gemini REST API or any
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a single completion round trip.
const DefaultTimeout = 60 * time.Second

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the raw response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns provider/model, recorded as the record's model version.
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0.0-2.0
	TopP        float64 // nucleus sampling threshold, 0 = provider default
	Format      string  // "json" requests a JSON response where the provider supports it
	System      string  // optional system prompt
}

// Config holds provider configuration.
type Config struct {
	Provider string // "google", "openrouter", "openai", "ollama", "custom"
	Model    string
	APIKey   string // empty = read from env
	BaseURL  string // optional URL override
	Timeout  time.Duration
}

// apiKeyEnv lists the environment variables consulted per provider, in order.
var apiKeyEnv = map[string][]string{
	"google":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"custom":     {"DEVCTX_LLM_API_KEY"},
}

var defaultBaseURL = map[string]string{
	"google":     "https://generativelanguage.googleapis.com/v1beta",
	"openrouter": "https://openrouter.ai/api/v1",
	"openai":     "https://api.openai.com/v1",
	"ollama":     "http://localhost:11434/v1",
}

var defaultModel = map[string]string{
	"google":     "gemini-2.5-flash",
	"openrouter": "openai/gpt-4o-mini",
	"openai":     "gpt-4o-mini",
	"ollama":     "qwen3:8b",
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if _, ok := defaultBaseURL[name]; !ok && name != "custom" {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: google, openrouter, openai, ollama, custom)", cfg.Provider)
	}

	key := cfg.APIKey
	for _, env := range apiKeyEnv[name] {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && name != "ollama" {
		return nil, fmt.Errorf("%s provider requires an API key (%s)", name, strings.Join(apiKeyEnv[name], " or "))
	}

	model := firstNonEmpty(cfg.Model, defaultModel[name])
	if model == "" {
		return nil, fmt.Errorf("%s provider requires a model", name)
	}

	baseURL := firstNonEmpty(cfg.BaseURL, defaultBaseURL[name])
	if name == "custom" {
		baseURL = firstNonEmpty(baseURL, os.Getenv("DEVCTX_LLM_ENDPOINT"))
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s provider requires a base URL", name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	if name == "google" {
		return &googleProvider{apiKey: key, model: model, baseURL: baseURL, client: client}, nil
	}
	return &chatProvider{
		provider: name,
		apiKey:   key,
		model:    model,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
	}, nil
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model", e.g. "google/gemini-2.5-flash" or "openrouter/openai/gpt-4o-mini".
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "google", Model: defaultModel["google"]}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., google/gemini-2.5-flash)", flag)
	}

	provider := strings.ToLower(parts[0])
	if _, ok := defaultBaseURL[provider]; !ok && provider != "custom" {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: google, openrouter, openai, ollama, custom)", provider)
	}
	return Config{Provider: provider, Model: parts[1]}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
