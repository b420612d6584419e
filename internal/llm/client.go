// Package llm is the text-completion client used by recipe synthesis and
// fix-prompt generation. The remote service is an Anthropic-compatible
// messages endpoint; callers only see Complete.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fixdev/fixdev/internal/common/config"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Client is the completion surface consumed by the synthesizer.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPClient implements Client against the messages REST API.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewHTTPClient creates a completion client from the llm config section.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &HTTPClient{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete sends a single-turn user prompt and returns the concatenated
// text blocks of the reply.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	payload := completionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []completionMessage{
			{Role: "user", Content: prompt},
		},
	}
	var resp completionResponse
	if err := c.post(ctx, "/v1/messages", payload, &resp); err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("completion returned no text content (stop_reason=%s)", resp.StopReason)
	}
	return sb.String(), nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion API %s returned %d: %s", endpoint, resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []completionMessage `json:"messages"`
}

// completionResponse is the JSON shape of the messages API reply.
type completionResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}
