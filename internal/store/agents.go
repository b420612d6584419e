package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAgent creates a new agent.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = "active"
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (name, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), agent.Name, agent.Model, agent.Status, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	agent.ID = id
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	agent := &Agent{}
	err := s.ro.GetContext(ctx, agent, s.ro.Rebind(`
		SELECT id, name, model, status, created_at, updated_at
		FROM agents WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents returns all agents.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	agents := []*Agent{}
	err := s.ro.SelectContext(ctx, &agents, `
		SELECT id, name, model, status, created_at, updated_at
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// UpdateAgent updates an existing agent.
func (s *Store) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET name = ?, model = ?, status = ?, updated_at = ? WHERE id = ?
	`), agent.Name, agent.Model, agent.Status, agent.UpdatedAt, agent.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found: %d", agent.ID)
	}
	return nil
}

// DeleteAgent deletes an agent by ID.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent not found: %d", id)
	}
	return nil
}

// CreateAgentRun records the start of one agent execution against an issue.
func (s *Store) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = AgentRunStatusQueued
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_runs (agent_id, issue_id, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), run.AgentID, run.IssueID, run.Status, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

// GetAgentRun retrieves an agent run by ID.
func (s *Store) GetAgentRun(ctx context.Context, id int64) (*AgentRun, error) {
	run := &AgentRun{}
	err := s.ro.GetContext(ctx, run, s.ro.Rebind(`
		SELECT id, agent_id, issue_id, status, error, started_at, finished_at
		FROM agent_runs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent run not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListAgentRunsByIssue returns all runs recorded for an issue, newest first.
func (s *Store) ListAgentRunsByIssue(ctx context.Context, issueID int64) ([]*AgentRun, error) {
	runs := []*AgentRun{}
	err := s.ro.SelectContext(ctx, &runs, s.ro.Rebind(`
		SELECT id, agent_id, issue_id, status, error, started_at, finished_at
		FROM agent_runs WHERE issue_id = ? ORDER BY id DESC
	`), issueID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateAgentRunStatus transitions a run. Terminal statuses stamp
// finished_at; runErr is stored verbatim when non-nil.
func (s *Store) UpdateAgentRunStatus(ctx context.Context, id int64, status AgentRunStatus, runErr *string) error {
	var finishedAt *time.Time
	switch status {
	case AgentRunStatusCompleted, AgentRunStatusFailed, AgentRunStatusCancelled:
		now := time.Now().UTC()
		finishedAt = &now
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_runs SET status = ?, error = COALESCE(?, error), finished_at = COALESCE(?, finished_at)
		WHERE id = ?
	`), status, runErr, finishedAt, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent run not found: %d", id)
	}
	return nil
}

// CreateAgentState snapshots an agent run.
func (s *Store) CreateAgentState(ctx context.Context, state *AgentState) error {
	now := time.Now().UTC()
	state.CreatedAt = now
	state.UpdatedAt = now
	if state.State == "" {
		state.State = "{}"
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_states (agent_run_id, contribution_id, state, suspended, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), state.AgentRunID, state.ContributionID, state.State, state.Suspended, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	state.ID = id
	return nil
}

// GetAgentState retrieves a state snapshot by ID.
func (s *Store) GetAgentState(ctx context.Context, id int64) (*AgentState, error) {
	state := &AgentState{}
	err := s.ro.GetContext(ctx, state, s.ro.Rebind(`
		SELECT id, agent_run_id, contribution_id, state, suspended, created_at, updated_at
		FROM agent_states WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent state not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListSuspendedAgentStates returns resumable snapshots, oldest first.
func (s *Store) ListSuspendedAgentStates(ctx context.Context) ([]*AgentState, error) {
	states := []*AgentState{}
	err := s.ro.SelectContext(ctx, &states, `
		SELECT id, agent_run_id, contribution_id, state, suspended, created_at, updated_at
		FROM agent_states WHERE suspended = 1 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return states, nil
}

// UpdateAgentState updates a snapshot's payload, suspended flag, and
// contribution link.
func (s *Store) UpdateAgentState(ctx context.Context, state *AgentState) error {
	state.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_states SET contribution_id = ?, state = ?, suspended = ?, updated_at = ?
		WHERE id = ?
	`), state.ContributionID, state.State, state.Suspended, state.UpdatedAt, state.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent state not found: %d", state.ID)
	}
	return nil
}
