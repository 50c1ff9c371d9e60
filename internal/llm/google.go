package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// googleProvider implements Provider using the Gemini generateContent REST API.
type googleProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

type googleRequest struct {
	Contents          []googleContent  `json:"contents"`
	SystemInstruction *googleContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type googleCandidate struct {
	Content googleContent `json:"content"`
}

type googleResponse struct {
	Candidates []googleCandidate `json:"candidates"`
	Error      *googleError      `json:"error,omitempty"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *googleProvider) Name() string {
	return "google/" + g.model
}

func (g *googleProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := googleRequest{
		Contents: []googleContent{{
			Parts: []googlePart{{Text: prompt}},
			Role:  "user",
		}},
		GenerationConfig: &googleGenConfig{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
		},
	}
	if opts.System != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: opts.System}}}
	}
	if strings.EqualFold(opts.Format, "json") {
		req.GenerationConfig.ResponseMimeType = "application/json"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, url.QueryEscape(g.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var gResp googleResponse
	if err := json.Unmarshal(respBody, &gResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if gResp.Error != nil {
		return "", fmt.Errorf("google API error: %s (code %d)", gResp.Error.Message, gResp.Error.Code)
	}
	if len(gResp.Candidates) == 0 || len(gResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from google API")
	}

	var sb strings.Builder
	for _, p := range gResp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
