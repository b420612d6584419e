package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixdev/fixdev/internal/common/config"
)

func TestHTTPClient_Extract(t *testing.T) {
	var gotReq extractRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/extract", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{
			"title": "panic on empty input",
			"body": "steps to reproduce",
			"labels": ["bug", "parser"],
			"ai_fix_prompt": "Fix the panic in the tokenizer.",
			"language": "Go",
			"environment": {
				"runtime": "go1.22",
				"package_manager": "go mod",
				"setup_commands": "go mod download",
				"test_commands": "go test ./..."
			}
		}`))
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(config.ExtractorConfig{APIKey: "secret", BaseURL: server.URL})
	rec, err := client.Extract(context.Background(), "https://github.com/acme/parser", 42)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/parser", gotReq.RepoURL)
	assert.Equal(t, 42, gotReq.IssueNumber)

	assert.Equal(t, "panic on empty input", rec.Title)
	assert.Equal(t, []string{"bug", "parser"}, rec.Labels)
	assert.Equal(t, "Go", rec.Language)
	assert.Equal(t, "go test ./...", rec.Environment.TestCommands)
}

func TestHTTPClient_ExtractErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("scrape timed out"))
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(config.ExtractorConfig{APIKey: "secret", BaseURL: server.URL})
	_, err := client.Extract(context.Background(), "https://github.com/acme/parser", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "scrape timed out")
	assert.Contains(t, err.Error(), "#7")
}

func TestHTTPClient_ExtractEmptyRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(config.ExtractorConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Extract(context.Background(), "https://github.com/acme/parser", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty record")
}

func TestHTTPClient_ExtractUnconfigured(t *testing.T) {
	client := NewHTTPClient(config.ExtractorConfig{})
	_, err := client.Extract(context.Background(), "https://github.com/acme/parser", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
