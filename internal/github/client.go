// Package github wraps the provider CLI. The orchestrator needs three
// things from the provider: a fork to push to, open-PR lookup by branch,
// and PR detail for webhook reconciliation.
package github

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PR is the subset of pull-request fields the orchestrator consumes.
type PR struct {
	Number     int
	Title      string
	URL        string
	State      string
	HeadBranch string
	BaseBranch string
	Author     string
	MergedAt   *time.Time
}

// Merged reports whether the PR has been merged.
func (p *PR) Merged() bool {
	return p.MergedAt != nil
}

// Fork identifies the operator-owned derivative of an origin repository.
type Fork struct {
	FullName string
	URL      string
}

// Client is the provider surface consumed by the workspace runner and the
// webhook integrator. FindOpenPR returns (nil, nil) when no PR matches.
type Client interface {
	EnsureFork(ctx context.Context, fullName string) (*Fork, error)
	FindOpenPR(ctx context.Context, fullName, branch string) (*PR, error)
	ViewPR(ctx context.Context, fullName string, number int) (*PR, error)
}

// splitFullName breaks "owner/repo" into its parts.
func splitFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository full name %q", fullName)
	}
	return owner, repo, nil
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
