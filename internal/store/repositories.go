package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRepository creates a new tracked repository.
func (s *Store) CreateRepository(ctx context.Context, repo *Repository) error {
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repositories (full_name, url, fork_full_name, fork_url, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), repo.FullName, repo.URL, repo.ForkFullName, repo.ForkURL, repo.Language, repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback repository insert: %w", rollbackErr)
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback repository insert: %w", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	repo.ID = id
	return nil
}

// GetRepository retrieves a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	repo := &Repository{}
	err := s.ro.GetContext(ctx, repo, s.ro.Rebind(`
		SELECT id, full_name, url, fork_full_name, fork_url, language, created_at, updated_at
		FROM repositories WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepositoryByFullName retrieves a repository by its owner/name slug.
func (s *Store) GetRepositoryByFullName(ctx context.Context, fullName string) (*Repository, error) {
	repo := &Repository{}
	err := s.ro.GetContext(ctx, repo, s.ro.Rebind(`
		SELECT id, full_name, url, fork_full_name, fork_url, language, created_at, updated_at
		FROM repositories WHERE full_name = ?
	`), fullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository not found: %s", fullName)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ListRepositories returns all tracked repositories ordered by creation.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	repos := []*Repository{}
	err := s.ro.SelectContext(ctx, &repos, `
		SELECT id, full_name, url, fork_full_name, fork_url, language, created_at, updated_at
		FROM repositories ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// UpdateRepository updates an existing repository.
func (s *Store) UpdateRepository(ctx context.Context, repo *Repository) error {
	repo.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE repositories SET full_name = ?, url = ?, fork_full_name = ?, fork_url = ?, language = ?, updated_at = ?
		WHERE id = ?
	`), repo.FullName, repo.URL, repo.ForkFullName, repo.ForkURL, repo.Language, repo.UpdatedAt, repo.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("repository not found: %d", repo.ID)
	}
	return nil
}

// SetRepositoryFork records the fork coordinates once the fork exists.
func (s *Store) SetRepositoryFork(ctx context.Context, id int64, forkFullName, forkURL string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE repositories SET fork_full_name = ?, fork_url = ?, updated_at = ?
		WHERE id = ?
	`), forkFullName, forkURL, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("repository not found: %d", id)
	}
	return nil
}

// DeleteRepository deletes a repository by ID.
func (s *Store) DeleteRepository(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("repository not found: %d", id)
	}
	return nil
}

// UpsertRepositoryEnvironment replaces the extracted environment for a
// repository. Each extraction rederives the row, so conflicts overwrite.
func (s *Store) UpsertRepositoryEnvironment(ctx context.Context, env *RepositoryEnvironment) error {
	now := time.Now().UTC()
	env.UpdatedAt = now
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repository_environments (repository_id, runtime, package_manager, setup_commands, test_commands, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			runtime = excluded.runtime,
			package_manager = excluded.package_manager,
			setup_commands = excluded.setup_commands,
			test_commands = excluded.test_commands,
			updated_at = excluded.updated_at
	`), env.RepositoryID, env.Runtime, env.PackageManager, env.SetupCommands, env.TestCommands, env.CreatedAt, env.UpdatedAt)
	if err != nil {
		return err
	}

	if id, idErr := res.LastInsertId(); idErr == nil && env.ID == 0 {
		env.ID = id
	}
	return nil
}

// GetRepositoryEnvironment retrieves the extracted environment for a
// repository, if one exists.
func (s *Store) GetRepositoryEnvironment(ctx context.Context, repositoryID int64) (*RepositoryEnvironment, error) {
	env := &RepositoryEnvironment{}
	err := s.ro.GetContext(ctx, env, s.ro.Rebind(`
		SELECT id, repository_id, runtime, package_manager, setup_commands, test_commands, created_at, updated_at
		FROM repository_environments WHERE repository_id = ?
	`), repositoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository environment not found: %d", repositoryID)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}
