package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "github.com/mattn/go-sqlite3"
)

// newTestStore creates a store backed by an in-memory SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRepository(t *testing.T, s *Store, fullName string) *Repository {
	t.Helper()
	repo := &Repository{
		FullName: fullName,
		URL:      "https://github.com/" + fullName,
		Language: "go",
	}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func seedIssue(t *testing.T, s *Store, repoID int64, number int) *Issue {
	t.Helper()
	issue := &Issue{
		RepositoryID: repoID,
		Number:       number,
		Title:        "flaky test in parser",
		Body:         "fails on empty input",
		Labels:       []string{"bug"},
		Status:       IssueStatusOpen,
	}
	require.NoError(t, s.CreateIssue(context.Background(), issue))
	return issue
}

func seedAgent(t *testing.T, s *Store) *Agent {
	t.Helper()
	agent := &Agent{Name: "claude", Model: "claude-sonnet-4-5"}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return agent
}

func seedWorkspace(t *testing.T, s *Store, agentID, repoID, issueID int64) *Workspace {
	t.Helper()
	ws := &Workspace{
		AgentID:        agentID,
		RepositoryID:   repoID,
		IssueID:        issueID,
		BranchName:     "fix/issue-1",
		TimeoutMinutes: 60,
	}
	require.NoError(t, s.CreateWorkspace(context.Background(), ws))
	return ws
}

func TestStore_RepositoryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	require.NotZero(t, repo.ID)

	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", got.FullName)
	assert.Nil(t, got.ForkFullName)

	byName, err := s.GetRepositoryByFullName(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byName.ID)

	require.NoError(t, s.SetRepositoryFork(ctx, repo.ID, "bot/widgets", "https://github.com/bot/widgets"))
	got, err = s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ForkFullName)
	assert.Equal(t, "bot/widgets", *got.ForkFullName)

	repos, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)

	require.NoError(t, s.DeleteRepository(ctx, repo.ID))
	_, err = s.GetRepository(ctx, repo.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStore_IssueUniquePerRepository(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	seedIssue(t, s, repo.ID, 42)

	dup := &Issue{RepositoryID: repo.ID, Number: 42, Title: "duplicate"}
	err := s.CreateIssue(ctx, dup)
	require.Error(t, err)

	other := seedRepository(t, s, "acme/gadgets")
	issue := &Issue{RepositoryID: other.ID, Number: 42, Title: "same number, other repo"}
	require.NoError(t, s.CreateIssue(ctx, issue))
}

func TestStore_IssueStatusAndPrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 7)

	require.NoError(t, s.UpdateIssueStatus(ctx, issue.ID, IssueStatusFixing))
	require.NoError(t, s.SetIssueFixPrompt(ctx, issue.ID, "Fix the parser to accept empty input."))

	got, err := s.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, IssueStatusFixing, got.Status)
	require.NotNil(t, got.AIFixPrompt)
	assert.Contains(t, *got.AIFixPrompt, "empty input")
	assert.Equal(t, []string{"bug"}, got.Labels)

	fixing, err := s.ListIssuesByStatus(ctx, IssueStatusFixing)
	require.NoError(t, err)
	assert.Len(t, fixing, 1)
}

func TestStore_RepositoryEnvironmentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")

	env := &RepositoryEnvironment{
		RepositoryID:   repo.ID,
		Runtime:        "node:20",
		PackageManager: "npm",
		SetupCommands:  "npm ci",
		TestCommands:   "npm test",
	}
	require.NoError(t, s.UpsertRepositoryEnvironment(ctx, env))

	// Re-extraction overwrites the single row for the repository.
	env2 := &RepositoryEnvironment{
		RepositoryID:   repo.ID,
		Runtime:        "node:22",
		PackageManager: "pnpm",
		SetupCommands:  "pnpm install",
		TestCommands:   "pnpm test",
	}
	require.NoError(t, s.UpsertRepositoryEnvironment(ctx, env2))

	got, err := s.GetRepositoryEnvironment(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "node:22", got.Runtime)
	assert.Equal(t, "pnpm", got.PackageManager)
}

func TestStore_AgentRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)

	run := &AgentRun{AgentID: agent.ID, IssueID: issue.ID}
	require.NoError(t, s.CreateAgentRun(ctx, run))
	assert.Equal(t, AgentRunStatusQueued, run.Status)

	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, AgentRunStatusRunning, nil))
	got, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentRunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	msg := "agent exited 0"
	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, AgentRunStatusCompleted, &msg))
	got, err = s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentRunStatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)

	runs, err := s.ListAgentRunsByIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_AgentStateSuspension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)
	run := &AgentRun{AgentID: agent.ID, IssueID: issue.ID}
	require.NoError(t, s.CreateAgentRun(ctx, run))

	state := &AgentState{AgentRunID: run.ID, State: `{"step":"tests"}`, Suspended: true}
	require.NoError(t, s.CreateAgentState(ctx, state))

	suspended, err := s.ListSuspendedAgentStates(ctx)
	require.NoError(t, err)
	require.Len(t, suspended, 1)

	state.Suspended = false
	require.NoError(t, s.UpdateAgentState(ctx, state))

	suspended, err = s.ListSuspendedAgentStates(ctx)
	require.NoError(t, err)
	assert.Empty(t, suspended)
}

func TestStore_WorkspaceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)

	ws := seedWorkspace(t, s, agent.ID, repo.ID, issue.ID)
	assert.Equal(t, WorkspaceStatusPending, ws.Status)
	assert.False(t, ws.ExpiresAt.IsZero())
	assert.True(t, ws.ExpiresAt.After(time.Now().UTC().Add(59*time.Minute)))

	require.NoError(t, s.UpdateWorkspaceStatus(ctx, ws.ID, WorkspaceStatusBuilding))
	require.NoError(t, s.SetWorkspaceRecipe(ctx, ws.ID, "FROM node:20\nRUN npm ci"))
	require.NoError(t, s.SetWorkspaceContainer(ctx, ws.ID, "abc123"))
	require.NoError(t, s.UpdateWorkspaceStatus(ctx, ws.ID, WorkspaceStatusRunning))
	require.NoError(t, s.SetWorkspacePRURL(ctx, ws.ID, "https://github.com/acme/widgets/pull/9"))

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkspaceStatusRunning, got.Status)
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, "abc123", *got.ContainerID)
	require.NotNil(t, got.Recipe)
	require.NotNil(t, got.PRURL)

	require.NoError(t, s.MarkWorkspaceDestroyed(ctx, ws.ID, WorkspaceStatusCompleted))
	got, err = s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkspaceStatusCompleted, got.Status)
	require.NotNil(t, got.DestroyedAt)
	assert.True(t, got.Status.IsTerminal())
}

func TestStore_SetWorkspaceErrorStoresStructuredJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)
	ws := seedWorkspace(t, s, agent.ID, repo.ID, issue.ID)

	structured := NewStructuredError(ErrorTypeBuildFailed, "image build failed", map[string]interface{}{
		"attempts": 3,
	})
	require.NoError(t, s.SetWorkspaceError(ctx, ws.ID, WorkspaceStatusBuildFailed, structured))

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkspaceStatusBuildFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)

	var decoded StructuredError
	require.NoError(t, json.Unmarshal([]byte(*got.ErrorMessage), &decoded))
	assert.Equal(t, ErrorTypeBuildFailed, decoded.Type)
	assert.Equal(t, "image build failed", decoded.Message)
	assert.EqualValues(t, 3, decoded.Details["attempts"])
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestStore_ActiveWorkspaceForIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)
	ws := seedWorkspace(t, s, agent.ID, repo.ID, issue.ID)

	active, err := s.GetActiveWorkspaceForIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ws.ID, active.ID)

	require.NoError(t, s.UpdateWorkspaceStatus(ctx, ws.ID, WorkspaceStatusRunning))
	active, err = s.GetActiveWorkspaceForIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, s.MarkWorkspaceDestroyed(ctx, ws.ID, WorkspaceStatusCancelled))
	active, err = s.GetActiveWorkspaceForIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStore_ListActiveWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	agent := seedAgent(t, s)

	first := seedIssue(t, s, repo.ID, 1)
	second := seedIssue(t, s, repo.ID, 2)
	third := seedIssue(t, s, repo.ID, 3)

	wsPending := seedWorkspace(t, s, agent.ID, repo.ID, first.ID)
	wsRunning := seedWorkspace(t, s, agent.ID, repo.ID, second.ID)
	wsDone := seedWorkspace(t, s, agent.ID, repo.ID, third.ID)

	require.NoError(t, s.UpdateWorkspaceStatus(ctx, wsRunning.ID, WorkspaceStatusRunning))
	require.NoError(t, s.MarkWorkspaceDestroyed(ctx, wsDone.ID, WorkspaceStatusCompleted))

	active, err := s.ListActiveWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, wsPending.ID, active[0].ID)
	assert.Equal(t, wsRunning.ID, active[1].ID)
}

func TestStore_WorkspaceLogsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	agent := seedAgent(t, s)
	ws := seedWorkspace(t, s, agent.ID, repo.ID, issue.ID)

	var lastID int64
	for i := 0; i < 5; i++ {
		log, err := s.AppendWorkspaceLog(ctx, ws.ID, StreamStdout, "line")
		require.NoError(t, err)
		assert.Greater(t, log.ID, lastID)
		lastID = log.ID
	}

	logs, err := s.GetWorkspaceLogs(ctx, ws.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)

	// Pagination resumes strictly after the cursor.
	tail, err := s.GetWorkspaceLogs(ctx, ws.ID, logs[2].ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, logs[3].ID, tail[0].ID)

	limited, err := s.GetWorkspaceLogs(ctx, ws.ID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	count, err := s.CountWorkspaceLogs(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestStore_ContributionUpsertUniquePerIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)

	c := &Contribution{IssueID: issue.ID, BranchName: "fix/issue-1"}
	require.NoError(t, s.UpsertContribution(ctx, c))
	require.NotZero(t, c.ID)
	assert.Equal(t, ContributionStatusPending, c.Status)

	// A second attempt for the same issue updates in place.
	prURL := "https://github.com/acme/widgets/pull/12"
	prNumber := 12
	again := &Contribution{
		IssueID:    issue.ID,
		BranchName: "fix/issue-1",
		PRURL:      &prURL,
		PRNumber:   &prNumber,
		Status:     ContributionStatusPROpen,
	}
	require.NoError(t, s.UpsertContribution(ctx, again))
	assert.Equal(t, c.ID, again.ID)

	all, err := s.ListContributions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].PRURL)
	assert.Equal(t, prURL, *all[0].PRURL)

	// A later upsert without PR coordinates keeps the stored ones.
	third := &Contribution{IssueID: issue.ID, BranchName: "fix/issue-1", Status: ContributionStatusPROpen}
	require.NoError(t, s.UpsertContribution(ctx, third))
	stored, err := s.GetContributionByIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PRURL)
	assert.Equal(t, prURL, *stored.PRURL)
}

func TestStore_FindContributionByPRURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)

	prURL := "https://github.com/acme/widgets/pull/5"
	c := &Contribution{IssueID: issue.ID, BranchName: "fix/issue-1", PRURL: &prURL, Status: ContributionStatusPROpen}
	require.NoError(t, s.UpsertContribution(ctx, c))

	found, err := s.FindContributionByPRURL(ctx, prURL)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.ID, found.ID)

	missing, err := s.FindContributionByPRURL(ctx, "https://github.com/acme/widgets/pull/999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_WebhookProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := seedRepository(t, s, "acme/widgets")
	issue := seedIssue(t, s, repo.ID, 1)
	c := &Contribution{IssueID: issue.ID, BranchName: "fix/issue-1"}
	require.NoError(t, s.UpsertContribution(ctx, c))

	action := "closed"
	hook := &Webhook{
		EventType: "pull_request",
		Action:    &action,
		Payload:   `{"action":"closed"}`,
	}
	require.NoError(t, s.CreateWebhook(ctx, hook))

	unprocessed, err := s.ListUnprocessedWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	require.NoError(t, s.MarkWebhookProcessed(ctx, hook.ID, &c.ID))

	unprocessed, err = s.ListUnprocessedWebhooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	got, err := s.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ContributionID)
	assert.Equal(t, c.ID, *got.ContributionID)
	require.NotNil(t, got.ProcessedAt)

	linked, err := s.ListWebhooksByContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, linked, 1)
}

func TestStore_ConfigDefaultsSeeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value, err := s.GetConfigValue(ctx, ConfigMaxConcurrentAgents)
	require.NoError(t, err)
	assert.Equal(t, "2", value)

	assert.Equal(t, 2, s.GetConfigInt(ctx, ConfigMaxConcurrentAgents, 99))
	assert.Equal(t, 99, s.GetConfigInt(ctx, "missing_key", 99))
	assert.InDelta(t, 60.0, s.GetConfigFloat(ctx, ConfigWorkspaceTimeoutMinutes, 0), 0.001)

	require.NoError(t, s.SetConfigValue(ctx, ConfigMaxConcurrentAgents, "5"))
	assert.Equal(t, 5, s.GetConfigInt(ctx, ConfigMaxConcurrentAgents, 99))

	entries, err := s.ListConfig(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 3)
}

func TestStore_NotFoundErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"workspace", func() error { _, err := s.GetWorkspace(ctx, 404); return err }},
		{"issue", func() error { _, err := s.GetIssue(ctx, 404); return err }},
		{"agent", func() error { _, err := s.GetAgent(ctx, 404); return err }},
		{"contribution", func() error { _, err := s.GetContribution(ctx, 404); return err }},
		{"update status", func() error { return s.UpdateWorkspaceStatus(ctx, 404, WorkspaceStatusRunning) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), "not found"))
		})
	}
}
