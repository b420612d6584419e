package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fixdev/fixdev/internal/common/tracing"
)

// activeWorkspaceStatuses are the states in which a workspace occupies (or is
// about to occupy) a container.
var activeWorkspaceStatuses = []WorkspaceStatus{
	WorkspaceStatusPending,
	WorkspaceStatusBuilding,
	WorkspaceStatusRunning,
}

// CreateWorkspace creates a new workspace row.
func (s *Store) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	if ws.Status == "" {
		ws.Status = WorkspaceStatusPending
	}
	if ws.BaseBranch == "" {
		ws.BaseBranch = "main"
	}
	if ws.ExpiresAt.IsZero() {
		ws.ExpiresAt = now.Add(time.Duration(ws.TimeoutMinutes * float64(time.Minute)))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ws.AgentID, ws.AgentRunID, ws.RepositoryID, ws.IssueID, ws.ContainerID, ws.Status, ws.BranchName, ws.BaseBranch, ws.TimeoutMinutes, ws.ExpiresAt, ws.Recipe, ws.PRURL, ws.ErrorMessage, ws.CreatedAt, ws.UpdatedAt, ws.DestroyedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback workspace insert: %w", rollbackErr)
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback workspace insert: %w", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	ws.ID = id
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	ws := &Workspace{}
	err := s.ro.GetContext(ctx, ws, s.ro.Rebind(`
		SELECT id, agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at
		FROM workspaces WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces, newest first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	ctx, span := tracing.Tracer("fixdev-db").Start(ctx, "db.ListWorkspaces")
	defer span.End()

	workspaces := []*Workspace{}
	err := s.ro.SelectContext(ctx, &workspaces, `
		SELECT id, agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at
		FROM workspaces ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	return workspaces, nil
}

// ListWorkspacesByStatus returns workspaces in any of the given statuses,
// oldest first.
func (s *Store) ListWorkspacesByStatus(ctx context.Context, statuses ...WorkspaceStatus) ([]*Workspace, error) {
	if len(statuses) == 0 {
		return []*Workspace{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT id, agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at
		FROM workspaces WHERE status IN (?) ORDER BY id
	`, statuses)
	if err != nil {
		return nil, err
	}
	query = s.ro.Rebind(query)

	workspaces := []*Workspace{}
	if err := s.ro.SelectContext(ctx, &workspaces, query, args...); err != nil {
		return nil, err
	}
	return workspaces, nil
}

// ListActiveWorkspaces returns workspaces that hold or are acquiring a
// container. Used by restart reconciliation.
func (s *Store) ListActiveWorkspaces(ctx context.Context) ([]*Workspace, error) {
	return s.ListWorkspacesByStatus(ctx, activeWorkspaceStatuses...)
}

// GetActiveWorkspaceForIssue returns the active workspace for an issue, or
// nil when none exists.
func (s *Store) GetActiveWorkspaceForIssue(ctx context.Context, issueID int64) (*Workspace, error) {
	query, args, err := sqlx.In(`
		SELECT id, agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at
		FROM workspaces WHERE issue_id = ? AND status IN (?) LIMIT 1
	`, issueID, activeWorkspaceStatuses)
	if err != nil {
		return nil, err
	}
	query = s.ro.Rebind(query)

	ws := &Workspace{}
	err = s.ro.GetContext(ctx, ws, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// ListWorkspacesByIssue returns every workspace recorded for an issue,
// newest first.
func (s *Store) ListWorkspacesByIssue(ctx context.Context, issueID int64) ([]*Workspace, error) {
	workspaces := []*Workspace{}
	err := s.ro.SelectContext(ctx, &workspaces, s.ro.Rebind(`
		SELECT id, agent_id, agent_run_id, repository_id, issue_id, container_id, status, branch_name, base_branch, timeout_minutes, expires_at, recipe, pr_url, error_message, created_at, updated_at, destroyed_at
		FROM workspaces WHERE issue_id = ? ORDER BY id DESC
	`), issueID)
	if err != nil {
		return nil, err
	}
	return workspaces, nil
}

// UpdateWorkspace updates an existing workspace row in full.
func (s *Store) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET agent_id = ?, agent_run_id = ?, repository_id = ?, issue_id = ?, container_id = ?, status = ?, branch_name = ?, base_branch = ?, timeout_minutes = ?, expires_at = ?, recipe = ?, pr_url = ?, error_message = ?, updated_at = ?, destroyed_at = ?
		WHERE id = ?
	`), ws.AgentID, ws.AgentRunID, ws.RepositoryID, ws.IssueID, ws.ContainerID, ws.Status, ws.BranchName, ws.BaseBranch, ws.TimeoutMinutes, ws.ExpiresAt, ws.Recipe, ws.PRURL, ws.ErrorMessage, ws.UpdatedAt, ws.DestroyedAt, ws.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", ws.ID)
	}
	return nil
}

// UpdateWorkspaceStatus transitions a workspace to the given status.
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id int64, status WorkspaceStatus) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}

// SetWorkspaceContainer records the container backing a workspace.
func (s *Store) SetWorkspaceContainer(ctx context.Context, id int64, containerID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET container_id = ?, updated_at = ? WHERE id = ?
	`), containerID, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}

// SetWorkspaceRecipe stores the synthesized container recipe.
func (s *Store) SetWorkspaceRecipe(ctx context.Context, id int64, recipe string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET recipe = ?, updated_at = ? WHERE id = ?
	`), recipe, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}

// SetWorkspacePRURL records the pull request URL detected in workspace
// output. Later detections overwrite earlier ones.
func (s *Store) SetWorkspacePRURL(ctx context.Context, id int64, prURL string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET pr_url = ?, updated_at = ? WHERE id = ?
	`), prURL, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}

// SetWorkspaceError transitions a workspace to a failure status and stores
// the structured error alongside.
func (s *Store) SetWorkspaceError(ctx context.Context, id int64, status WorkspaceStatus, structured *StructuredError) error {
	var message *string
	if structured != nil {
		encoded := structured.JSON()
		message = &encoded
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), status, message, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}

// MarkWorkspaceDestroyed stamps destroyed_at and moves the workspace to its
// final status.
func (s *Store) MarkWorkspaceDestroyed(ctx context.Context, id int64, status WorkspaceStatus) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET status = ?, destroyed_at = ?, updated_at = ? WHERE id = ?
	`), status, now, now, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %d", id)
	}
	return nil
}
