package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// chatProvider implements Provider against an OpenAI-compatible
// /chat/completions endpoint (OpenRouter, OpenAI, Ollama, custom gateways).
type chatProvider struct {
	provider string
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (c *chatProvider) Name() string {
	return c.provider + "/" + c.model
}

func (c *chatProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if opts.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
	}
	if strings.EqualFold(opts.Format, "json") {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.provider == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/hurttlocker/devctx")
		httpReq.Header.Set("X-Title", "devctx")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s API error (status %d): %s", c.provider, resp.StatusCode, truncate(string(respBody), 500))
	}

	var cResp chatResponse
	if err := json.Unmarshal(respBody, &cResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if cResp.Error != nil {
		return "", fmt.Errorf("%s API error: %s", c.provider, cResp.Error.Message)
	}
	if len(cResp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s API", c.provider)
	}
	return cResp.Choices[0].Message.Content, nil
}
