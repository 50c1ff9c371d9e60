// Package embed is the embedding oracle adapter for devctx.
//
// All providers are reached through the OpenAI-compatible /v1/embeddings format:
// - openai: https://api.openai.com/v1/embeddings
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - ollama: http://localhost:11434/v1/embeddings
// - custom: DEVCTX_EMBED_ENDPOINT
//
// Requests are single-shot; the pipeline performs no retries.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultDimensions is the vector length requested from providers that support
// choosing one.
const DefaultDimensions = 1536

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider    string // "openai", "openrouter", "ollama", "custom"
	Model       string
	Endpoint    string // full API URL
	APIKey      string
	Dimensions  int // requested vector length (0 = provider default)
	TimeoutSecs int
}

// EmbedRequest represents an OpenAI-compatible embeddings request.
type EmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// EmbedResponse represents an OpenAI-compatible embeddings response.
type EmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// HTTPError represents a non-200 response from the embeddings endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client implements Embedder with HTTP API calls.
type Client struct {
	config EmbedConfig
	http   *http.Client
}

// ParseEmbedFlag parses "provider/model", e.g. "openai/text-embedding-3-small".
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}
	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]
	if provider == "" || model == "" {
		return nil, fmt.Errorf("invalid --embed format: empty provider or model in %q", flag)
	}

	config := &EmbedConfig{
		Provider:    provider,
		Model:       model,
		Dimensions:  DefaultDimensions,
		TimeoutSecs: 60,
	}

	switch provider {
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
	case "custom":
		config.Endpoint = os.Getenv("DEVCTX_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("DEVCTX_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: openai, openrouter, ollama, custom", provider)
	}

	if endpoint := os.Getenv("DEVCTX_EMBED_ENDPOINT"); endpoint != "" {
		config.Endpoint = endpoint
	}
	if apiKey := os.Getenv("DEVCTX_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}

	return config, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *EmbedConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q", c.Provider)
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config *EmbedConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: *config,
		http:   &http.Client{Timeout: time.Duration(config.TimeoutSecs) * time.Second},
	}, nil
}

// Embed generates an embedding vector for a single text.
// The returned vector's length is not checked here; callers enforce their contract.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}

	requestBody, err := json.Marshal(EmbedRequest{
		Model:      c.config.Model,
		Input:      []string{text},
		Dimensions: c.config.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var embedResp EmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(embedResp.Data) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embedResp.Data))
	}
	return embedResp.Data[0].Embedding, nil
}
