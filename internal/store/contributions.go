package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertContribution creates or updates the contribution for an issue. At
// most one contribution exists per issue, so a second fix attempt updates
// the existing row instead of inserting a sibling. Nil pr_url, pr_number,
// and summary values keep whatever the row already holds.
func (s *Store) UpsertContribution(ctx context.Context, c *Contribution) error {
	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = ContributionStatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO contributions (agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			agent_run_id = excluded.agent_run_id,
			pr_url = COALESCE(excluded.pr_url, contributions.pr_url),
			pr_number = COALESCE(excluded.pr_number, contributions.pr_number),
			branch_name = excluded.branch_name,
			status = excluded.status,
			summary = COALESCE(excluded.summary, contributions.summary),
			updated_at = excluded.updated_at
	`), c.AgentRunID, c.IssueID, c.PRURL, c.PRNumber, c.BranchName, c.Status, c.Summary, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}

	// LastInsertId is not set on the conflict-update path, so read the row
	// back to learn the id either way.
	stored, err := s.GetContributionByIssue(ctx, c.IssueID)
	if err != nil {
		return err
	}
	c.ID = stored.ID
	c.CreatedAt = stored.CreatedAt
	return nil
}

// GetContribution retrieves a contribution by ID.
func (s *Store) GetContribution(ctx context.Context, id int64) (*Contribution, error) {
	c := &Contribution{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contribution not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetContributionByIssue retrieves the contribution for an issue.
func (s *Store) GetContributionByIssue(ctx context.Context, issueID int64) (*Contribution, error) {
	c := &Contribution{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions WHERE issue_id = ?
	`), issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contribution not found for issue: %d", issueID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindContributionByIssue is GetContributionByIssue without the not-found
// error: it returns nil when the issue has no contribution yet.
func (s *Store) FindContributionByIssue(ctx context.Context, issueID int64) (*Contribution, error) {
	c := &Contribution{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions WHERE issue_id = ?
	`), issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindContributionByPRURL locates a contribution by its pull request URL.
// Returns nil when no contribution matches.
func (s *Store) FindContributionByPRURL(ctx context.Context, prURL string) (*Contribution, error) {
	c := &Contribution{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions WHERE pr_url = ? LIMIT 1
	`), prURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindContributionByPRNumber returns the contribution carrying the given PR
// number, or nil when none does.
func (s *Store) FindContributionByPRNumber(ctx context.Context, prNumber int) (*Contribution, error) {
	c := &Contribution{}
	err := s.ro.GetContext(ctx, c, s.ro.Rebind(`
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions WHERE pr_number = ? LIMIT 1
	`), prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListContributions returns all contributions, newest first. An empty
// status means no filter.
func (s *Store) ListContributions(ctx context.Context, status ContributionStatus) ([]*Contribution, error) {
	query := `
		SELECT id, agent_run_id, issue_id, pr_url, pr_number, branch_name, status, summary, created_at, updated_at
		FROM contributions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	contributions := []*Contribution{}
	if err := s.ro.SelectContext(ctx, &contributions, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return contributions, nil
}

// UpdateContributionStatus transitions a contribution.
func (s *Store) UpdateContributionStatus(ctx context.Context, id int64, status ContributionStatus) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE contributions SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("contribution not found: %d", id)
	}
	return nil
}

// SetContributionPR records the pull request coordinates for a contribution
// once the PR is confirmed open.
func (s *Store) SetContributionPR(ctx context.Context, id int64, prURL string, prNumber int) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE contributions SET pr_url = ?, pr_number = ?, status = ?, updated_at = ? WHERE id = ?
	`), prURL, prNumber, ContributionStatusPROpen, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("contribution not found: %d", id)
	}
	return nil
}
