package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fixdev/fixdev/internal/common/tracing"
)

// AppendWorkspaceLog persists one committed output line. The returned log
// carries the assigned id, which is strictly increasing per workspace.
func (s *Store) AppendWorkspaceLog(ctx context.Context, workspaceID int64, stream, line string) (*WorkspaceLog, error) {
	log := &WorkspaceLog{
		WorkspaceID: workspaceID,
		Stream:      stream,
		Line:        line,
		CreatedAt:   time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspace_logs (workspace_id, stream, line, created_at)
		VALUES (?, ?, ?, ?)
	`), log.WorkspaceID, log.Stream, log.Line, log.CreatedAt)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	log.ID = id
	return log, nil
}

// GetWorkspaceLogs returns committed lines for a workspace in insertion
// order. afterID filters to lines with a greater id (zero means from the
// beginning); limit of zero or less means no limit.
func (s *Store) GetWorkspaceLogs(ctx context.Context, workspaceID, afterID int64, limit int) ([]*WorkspaceLog, error) {
	ctx, span := tracing.Tracer("fixdev-db").Start(ctx, "db.GetWorkspaceLogs")
	defer span.End()

	query := `
		SELECT id, workspace_id, stream, line, created_at
		FROM workspace_logs WHERE workspace_id = ? AND id > ? ORDER BY id`
	args := []interface{}{workspaceID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	logs := []*WorkspaceLog{}
	if err := s.ro.SelectContext(ctx, &logs, s.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return logs, nil
}

// CountWorkspaceLogs returns the number of committed lines for a workspace.
func (s *Store) CountWorkspaceLogs(ctx context.Context, workspaceID int64) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM workspace_logs WHERE workspace_id = ?
	`), workspaceID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteWorkspaceLogs removes all lines for a workspace.
func (s *Store) DeleteWorkspaceLogs(ctx context.Context, workspaceID int64) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspace_logs WHERE workspace_id = ?`), workspaceID); err != nil {
		return fmt.Errorf("failed to delete workspace logs: %w", err)
	}
	return nil
}
