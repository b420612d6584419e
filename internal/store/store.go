package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fixdev/fixdev/internal/db"
)

// Store provides SQLite-based persistence for all fixdev entities.
type Store struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader (read-only pool)
	pool *db.Pool
}

// Open opens (or creates) the database at dbPath and initializes the schema.
// The returned store owns the connections and closes them on Close.
func Open(dbPath string) (*Store, error) {
	pool, err := db.OpenPool(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: pool.Writer(), ro: pool.Reader(), pool: pool}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		full_name TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		fork_full_name TEXT,
		fork_url TEXT,
		language TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL REFERENCES repositories(id),
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		ai_fix_prompt TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(repository_id, number)
	);

	CREATE TABLE IF NOT EXISTS repository_environments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository_id INTEGER NOT NULL UNIQUE REFERENCES repositories(id),
		runtime TEXT NOT NULL DEFAULT '',
		package_manager TEXT NOT NULL DEFAULT '',
		setup_commands TEXT NOT NULL DEFAULT '',
		test_commands TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id),
		issue_id INTEGER NOT NULL REFERENCES issues(id),
		status TEXT NOT NULL DEFAULT 'queued',
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS contributions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_run_id INTEGER REFERENCES agent_runs(id),
		issue_id INTEGER NOT NULL REFERENCES issues(id),
		pr_url TEXT,
		pr_number INTEGER,
		branch_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		summary TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_run_id INTEGER NOT NULL REFERENCES agent_runs(id),
		contribution_id INTEGER REFERENCES contributions(id),
		state TEXT NOT NULL DEFAULT '{}',
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id),
		agent_run_id INTEGER REFERENCES agent_runs(id),
		repository_id INTEGER NOT NULL REFERENCES repositories(id),
		issue_id INTEGER NOT NULL REFERENCES issues(id),
		container_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		branch_name TEXT NOT NULL DEFAULT '',
		base_branch TEXT NOT NULL DEFAULT 'main',
		timeout_minutes REAL NOT NULL DEFAULT 60,
		expires_at DATETIME NOT NULL,
		recipe TEXT,
		pr_url TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		destroyed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS workspace_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace_id INTEGER NOT NULL REFERENCES workspaces(id),
		stream TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		contribution_id INTEGER REFERENCES contributions(id),
		event_type TEXT NOT NULL,
		action TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		processed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		processed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_repository_id ON issues(repository_id);
	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_issue_id ON agent_runs(issue_id);
	CREATE INDEX IF NOT EXISTS idx_agent_states_suspended ON agent_states(suspended);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contributions_issue_id ON contributions(issue_id);
	CREATE INDEX IF NOT EXISTS idx_contributions_status ON contributions(status);
	CREATE INDEX IF NOT EXISTS idx_webhooks_contribution_id ON webhooks(contribution_id);
	CREATE INDEX IF NOT EXISTS idx_webhooks_processed ON webhooks(processed);
	CREATE INDEX IF NOT EXISTS idx_workspaces_issue_id ON workspaces(issue_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_agent_id ON workspaces(agent_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_status ON workspaces(status);
	CREATE INDEX IF NOT EXISTS idx_workspaces_expires_at ON workspaces(expires_at);
	CREATE INDEX IF NOT EXISTS idx_workspace_logs_workspace ON workspace_logs(workspace_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.seedConfigDefaults()
}

// seedConfigDefaults inserts baseline configuration rows without overwriting
// values an operator may have changed.
func (s *Store) seedConfigDefaults() error {
	defaults := map[string]string{
		ConfigMaxConcurrentAgents:     "2",
		ConfigWorkspaceTimeoutMinutes: "60",
		ConfigWorkspaceGraceSeconds:   "60",
	}
	for key, value := range defaults {
		_, err := s.db.Exec(
			`INSERT INTO config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO NOTHING`,
			key, value,
		)
		if err != nil {
			return fmt.Errorf("failed to seed config key %s: %w", key, err)
		}
	}
	return nil
}
