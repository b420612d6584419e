// Package extract talks to the external issue-extraction service. The
// service scrapes the provider's issue page and repository metadata and
// returns one structured record per (repo, issue number) pair.
package extract

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

// ExtractedIssue is the structured record the scraper returns.
type ExtractedIssue struct {
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	Labels      []string    `json:"labels"`
	AIFixPrompt string      `json:"ai_fix_prompt"`
	Language    string      `json:"language"`
	Environment Environment `json:"environment"`
}

// Environment describes how the repository is built and tested.
type Environment struct {
	Runtime        string `json:"runtime"`
	PackageManager string `json:"package_manager"`
	SetupCommands  string `json:"setup_commands"`
	TestCommands   string `json:"test_commands"`
}

// Client is the extraction surface consumed by the issue endpoints.
type Client interface {
	Extract(ctx context.Context, repoURL string, issueNumber int) (*ExtractedIssue, error)
}

// HTTPClient implements Client against the extraction REST API.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates an extraction client from the extractor config section.
func NewHTTPClient(cfg config.ExtractorConfig) *HTTPClient {
	return &HTTPClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Extract fetches the structured record for one issue.
func (c *HTTPClient) Extract(ctx context.Context, repoURL string, issueNumber int) (*ExtractedIssue, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("extractor base URL not configured")
	}
	payload := extractRequest{
		RepoURL:     repoURL,
		IssueNumber: issueNumber,
	}
	var out ExtractedIssue
	if err := c.post(ctx, "/api/v1/extract", payload, &out); err != nil {
		return nil, fmt.Errorf("extract issue #%d: %w", issueNumber, err)
	}
	if out.Title == "" {
		return nil, fmt.Errorf("extract issue #%d: empty record", issueNumber)
	}
	return &out, nil
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
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("extraction API %s returned %d: %s", endpoint, resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

type extractRequest struct {
	RepoURL     string `json:"repo_url"`
	IssueNumber int    `json:"issue_number"`
}
