package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateIssue creates a new issue. The (repository, number) pair is unique,
// so re-importing an existing issue fails with a constraint error.
func (s *Store) CreateIssue(ctx context.Context, issue *Issue) error {
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now
	if issue.Status == "" {
		issue.Status = IssueStatusPending
	}

	labels, err := json.Marshal(issue.Labels)
	if err != nil {
		labels = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO issues (repository_id, number, title, body, labels, status, ai_fix_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), issue.RepositoryID, issue.Number, issue.Title, issue.Body, string(labels), issue.Status, issue.AIFixPrompt, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback issue insert: %w", rollbackErr)
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback issue insert: %w", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	issue.ID = id
	return nil
}

// GetIssue retrieves an issue by ID.
func (s *Store) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	issue := &Issue{}
	var labels string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, repository_id, number, title, body, labels, status, ai_fix_prompt, created_at, updated_at
		FROM issues WHERE id = ?
	`), id).Scan(&issue.ID, &issue.RepositoryID, &issue.Number, &issue.Title, &issue.Body, &labels, &issue.Status, &issue.AIFixPrompt, &issue.CreatedAt, &issue.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(labels), &issue.Labels)
	return issue, nil
}

// GetIssueByNumber retrieves an issue by repository and tracker number.
func (s *Store) GetIssueByNumber(ctx context.Context, repositoryID int64, number int) (*Issue, error) {
	issue := &Issue{}
	var labels string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, repository_id, number, title, body, labels, status, ai_fix_prompt, created_at, updated_at
		FROM issues WHERE repository_id = ? AND number = ?
	`), repositoryID, number).Scan(&issue.ID, &issue.RepositoryID, &issue.Number, &issue.Title, &issue.Body, &labels, &issue.Status, &issue.AIFixPrompt, &issue.CreatedAt, &issue.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue not found: %d/%d", repositoryID, number)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(labels), &issue.Labels)
	return issue, nil
}

// ListIssues returns all issues, optionally filtered by repository. A zero
// repositoryID means no filter.
func (s *Store) ListIssues(ctx context.Context, repositoryID int64) ([]*Issue, error) {
	query := `
		SELECT id, repository_id, number, title, body, labels, status, ai_fix_prompt, created_at, updated_at
		FROM issues`
	args := []interface{}{}
	if repositoryID != 0 {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY id`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIssues(rows)
}

// ListIssuesByStatus returns all issues in the given status.
func (s *Store) ListIssuesByStatus(ctx context.Context, status IssueStatus) ([]*Issue, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, repository_id, number, title, body, labels, status, ai_fix_prompt, created_at, updated_at
		FROM issues WHERE status = ? ORDER BY id
	`), status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanIssues(rows)
}

// UpdateIssue updates an existing issue.
func (s *Store) UpdateIssue(ctx context.Context, issue *Issue) error {
	issue.UpdatedAt = time.Now().UTC()

	labels, err := json.Marshal(issue.Labels)
	if err != nil {
		labels = []byte("[]")
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE issues SET repository_id = ?, number = ?, title = ?, body = ?, labels = ?, status = ?, ai_fix_prompt = ?, updated_at = ?
		WHERE id = ?
	`), issue.RepositoryID, issue.Number, issue.Title, issue.Body, string(labels), issue.Status, issue.AIFixPrompt, issue.UpdatedAt, issue.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %d", issue.ID)
	}
	return nil
}

// UpdateIssueStatus moves an issue to the given status.
func (s *Store) UpdateIssueStatus(ctx context.Context, id int64, status IssueStatus) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE issues SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %d", id)
	}
	return nil
}

// SetIssueFixPrompt stores the generated fix prompt for an issue.
func (s *Store) SetIssueFixPrompt(ctx context.Context, id int64, prompt string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE issues SET ai_fix_prompt = ?, updated_at = ? WHERE id = ?
	`), prompt, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %d", id)
	}
	return nil
}

// DeleteIssue deletes an issue by ID.
func (s *Store) DeleteIssue(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM issues WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("issue not found: %d", id)
	}
	return nil
}

func scanIssues(rows *sql.Rows) ([]*Issue, error) {
	issues := []*Issue{}
	for rows.Next() {
		issue := &Issue{}
		var labels string
		if err := rows.Scan(&issue.ID, &issue.RepositoryID, &issue.Number, &issue.Title, &issue.Body, &labels, &issue.Status, &issue.AIFixPrompt, &issue.CreatedAt, &issue.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(labels), &issue.Labels)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}
