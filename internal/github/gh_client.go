package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

const prJSONFields = "number,title,url,state,headRefName,baseRefName,author,mergedAt"

// GHClient implements Client using the gh CLI. The CLI carries its own
// authentication (GH_TOKEN or gh auth login), so the client holds no state
// beyond the cached fork owner.
type GHClient struct {
	login string // cached authenticated user
}

// NewGHClient creates a new gh CLI-based client.
func NewGHClient() *GHClient {
	return &GHClient{}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// EnsureFork returns the authenticated user's fork of fullName, creating
// it when absent. Fork creation on the provider side is asynchronous but
// the CLI blocks until the fork is addressable.
func (c *GHClient) EnsureFork(ctx context.Context, fullName string) (*Fork, error) {
	_, repo, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}
	login, err := c.authenticatedUser(ctx)
	if err != nil {
		return nil, err
	}

	forkName := login + "/" + repo
	if fork, err := c.viewRepo(ctx, forkName); err == nil {
		return fork, nil
	}

	if _, err := c.run(ctx, "repo", "fork", fullName, "--clone=false"); err != nil {
		return nil, fmt.Errorf("fork %s: %w", fullName, err)
	}
	fork, err := c.viewRepo(ctx, forkName)
	if err != nil {
		return nil, fmt.Errorf("fork %s created but not addressable: %w", fullName, err)
	}
	return fork, nil
}

// FindOpenPR looks for an open PR on fullName whose head is branch. The
// head may be fork-qualified ("owner:branch"); an unqualified branch is
// qualified with the authenticated user, matching PRs opened from a fork.
func (c *GHClient) FindOpenPR(ctx context.Context, fullName, branch string) (*PR, error) {
	head := branch
	if !strings.Contains(head, ":") {
		if login, err := c.authenticatedUser(ctx); err == nil {
			head = login + ":" + branch
		}
	}
	out, err := c.run(ctx, "pr", "list",
		"--repo", fullName,
		"--head", head,
		"--state", "open",
		"--json", prJSONFields,
		"--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch %q: %w", branch, err)
	}
	var prs []ghPR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return convertGHPR(&prs[0]), nil
}

// ViewPR fetches one PR by number.
func (c *GHClient) ViewPR(ctx context.Context, fullName string, number int) (*PR, error) {
	out, err := c.run(ctx, "pr", "view", fmt.Sprintf("%d", number),
		"--repo", fullName,
		"--json", prJSONFields)
	if err != nil {
		return nil, fmt.Errorf("view PR #%d: %w", number, err)
	}
	var raw ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse PR response: %w", err)
	}
	return convertGHPR(&raw), nil
}

func (c *GHClient) authenticatedUser(ctx context.Context) (string, error) {
	if c.login != "" {
		return c.login, nil
	}
	out, err := c.run(ctx, "api", "user", "-q", ".login")
	if err != nil {
		return "", fmt.Errorf("get authenticated user: %w", err)
	}
	c.login = strings.TrimSpace(out)
	return c.login, nil
}

func (c *GHClient) viewRepo(ctx context.Context, fullName string) (*Fork, error) {
	out, err := c.run(ctx, "repo", "view", fullName, "--json", "nameWithOwner,url")
	if err != nil {
		return nil, err
	}
	var raw struct {
		NameWithOwner string `json:"nameWithOwner"`
		URL           string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse repo view: %w", err)
	}
	return &Fork{FullName: raw.NameWithOwner, URL: raw.URL}, nil
}

// run executes a gh CLI command and returns its stdout output.
// Stderr is captured separately to avoid contaminating JSON output.
func (c *GHClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// ghPR is the JSON shape returned by gh pr list/view.
type ghPR struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	MergedAt    string `json:"mergedAt"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
}

func convertGHPR(raw *ghPR) *PR {
	state := strings.ToLower(raw.State)
	if raw.MergedAt != "" {
		state = "merged"
	}
	return &PR{
		Number:     raw.Number,
		Title:      raw.Title,
		URL:        raw.URL,
		State:      state,
		HeadBranch: raw.HeadRefName,
		BaseBranch: raw.BaseRefName,
		Author:     raw.Author.Login,
		MergedAt:   parseTimePtr(raw.MergedAt),
	}
}
