package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/extract"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/webhook"
	"github.com/fixdev/fixdev/internal/workspace"
)

const testWebhookSecret = "test-webhook-secret"

type fakeManager struct {
	mu               sync.Mutex
	spawned          []workspace.SpawnRequest
	spawnWorkspace   *store.Workspace
	spawnErr         error
	destroyed        []int64
	destroyWorkspace *store.Workspace
	destroyErr       error
}

func (m *fakeManager) Spawn(_ context.Context, req workspace.SpawnRequest) (*store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawned = append(m.spawned, req)
	return m.spawnWorkspace, m.spawnErr
}

func (m *fakeManager) Destroy(_ context.Context, workspaceID int64) (*store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, workspaceID)
	if m.destroyErr != nil {
		return nil, m.destroyErr
	}
	return m.destroyWorkspace, nil
}

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	return p.err
}

type fakeExtractor struct {
	record *extract.ExtractedIssue
	err    error
	calls  int
}

func (e *fakeExtractor) Extract(context.Context, string, int) (*extract.ExtractedIssue, error) {
	e.calls++
	return e.record, e.err
}

type serverFixture struct {
	store     *store.Store
	bus       bus.EventBus
	manager   *fakeManager
	daemon    *fakePinger
	extractor *fakeExtractor
	server    *Server

	repo  *store.Repository
	issue *store.Issue
	agent *store.Agent
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	f := &serverFixture{
		store:     st,
		bus:       eventBus,
		manager:   &fakeManager{},
		daemon:    &fakePinger{},
		extractor: &fakeExtractor{},
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 30, WriteTimeout: 30},
	}
	processor := webhook.NewProcessor(st, eventBus, log)
	hookHandler := webhook.NewHandler(processor, testWebhookSecret, log)
	f.server = NewServer(cfg, st, f.manager, f.daemon, eventBus, f.extractor, hookHandler, log)

	ctx := context.Background()
	f.repo = &store.Repository{FullName: "acme/parser", URL: "https://github.com/acme/parser", Language: "python"}
	require.NoError(t, st.CreateRepository(ctx, f.repo))
	f.issue = &store.Issue{RepositoryID: f.repo.ID, Number: 7, Title: "Tokenizer crash", Status: store.IssueStatusOpen}
	require.NoError(t, st.CreateIssue(ctx, f.issue))
	f.agent = &store.Agent{Name: "claude", Model: "claude-sonnet-4"}
	require.NoError(t, st.CreateAgent(ctx, f.agent))

	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func (f *serverFixture) seedWorkspace(t *testing.T, issueID int64, status store.WorkspaceStatus) *store.Workspace {
	t.Helper()
	ws := &store.Workspace{
		AgentID:        f.agent.ID,
		RepositoryID:   f.repo.ID,
		IssueID:        issueID,
		Status:         status,
		BranchName:     "fix/issue-7",
		TimeoutMinutes: 30,
	}
	require.NoError(t, f.store.CreateWorkspace(context.Background(), ws))
	return ws
}

func (f *serverFixture) seedIssue(t *testing.T, number int) *store.Issue {
	t.Helper()
	issue := &store.Issue{RepositoryID: f.repo.ID, Number: number, Title: fmt.Sprintf("Issue %d", number), Status: store.IssueStatusOpen}
	require.NoError(t, f.store.CreateIssue(context.Background(), issue))
	return issue
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["docker"])
	assert.Equal(t, "ok", body["events"])

	f.daemon.err = errors.New("daemon unreachable")
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["docker"], "unreachable")
	assert.Equal(t, "ok", body["store"])
}

func TestSpawnWorkspace(t *testing.T) {
	f := newServerFixture(t)
	ws := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)
	f.manager.spawnWorkspace = ws

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/spawn", gin.H{
		"issue_id": f.issue.ID,
		"agent_id": f.agent.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, float64(ws.ID), body["id"])
	assert.Equal(t, "running", body["status"])

	require.Len(t, f.manager.spawned, 1)
	assert.Equal(t, f.issue.ID, f.manager.spawned[0].IssueID)
	assert.Equal(t, f.agent.ID, f.manager.spawned[0].AgentID)
}

func TestSpawnWorkspace_RequiresIDs(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/spawn", gin.H{"agent_id": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.manager.spawned)
}

func TestSpawnWorkspace_ActiveConflict(t *testing.T) {
	f := newServerFixture(t)
	active := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)
	f.manager.spawnWorkspace = active
	f.manager.spawnErr = fmt.Errorf("%w: workspace %d", workspace.ErrWorkspaceActive, active.ID)

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/spawn", gin.H{
		"issue_id": f.issue.ID,
		"agent_id": f.agent.ID,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "CONFLICT", body["code"])
}

func TestSpawnWorkspace_BuildFailureReturns502WithRow(t *testing.T) {
	f := newServerFixture(t)
	failed := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusBuildFailed)
	f.manager.spawnWorkspace = failed
	f.manager.spawnErr = errors.New("image build failed after 3 attempts")

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/spawn", gin.H{
		"issue_id": f.issue.ID,
		"agent_id": f.agent.ID,
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	errBody, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "expected embedded error object: %s", rec.Body.String())
	assert.Equal(t, "BAD_GATEWAY", errBody["code"])
	wsBody, ok := body["workspace"].(map[string]interface{})
	require.True(t, ok, "expected embedded workspace row: %s", rec.Body.String())
	assert.Equal(t, float64(failed.ID), wsBody["id"])
	assert.Equal(t, "build_failed", wsBody["status"])
}

func TestSpawnWorkspace_UnknownIssueIs404(t *testing.T) {
	f := newServerFixture(t)
	f.manager.spawnErr = errors.New("issue not found: 9999")

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/spawn", gin.H{
		"issue_id": 9999,
		"agent_id": f.agent.ID,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDestroyWorkspace(t *testing.T) {
	f := newServerFixture(t)
	ws := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusCancelled)
	f.manager.destroyWorkspace = ws

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/workspaces/%d/destroy", ws.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{ws.ID}, f.manager.destroyed)

	body := decodeBody(t, rec)
	assert.Equal(t, "cancelled", body["status"])
}

func TestDestroyWorkspace_Missing(t *testing.T) {
	f := newServerFixture(t)
	f.manager.destroyErr = errors.New("workspace not found: 42")

	rec := f.do(t, http.MethodPost, "/api/v1/workspaces/42/destroy", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetWorkspace(t *testing.T) {
	f := newServerFixture(t)
	ws := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d", ws.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "fix/issue-7", body["branch_name"])

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces/999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces/abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWorkspaces(t *testing.T) {
	f := newServerFixture(t)
	f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)
	other := f.seedIssue(t, 8)
	f.seedWorkspace(t, other.ID, store.WorkspaceStatusCompleted)

	rec := f.do(t, http.MethodGet, "/api/v1/workspaces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces?issue_id=%d", other.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestWorkspaceLogs(t *testing.T) {
	f := newServerFixture(t)
	ws := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)

	ctx := context.Background()
	first, err := f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStdout, "cloning repo")
	require.NoError(t, err)
	_, err = f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStdout, "running tests")
	require.NoError(t, err)
	_, err = f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStderr, "warning: flaky")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/logs", ws.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["count"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/logs?after_id=%d", ws.ID, first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	logs := body["logs"].([]interface{})
	firstRow := logs[0].(map[string]interface{})
	assert.Equal(t, "running tests", firstRow["line"])

	rec = f.do(t, http.MethodGet, "/api/v1/workspaces/999/logs", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspacePR_SourceFallbacks(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	// Workspace column wins when set.
	withCol := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusCompleted)
	require.NoError(t, f.store.SetWorkspacePRURL(ctx, withCol.ID, "https://github.com/acme/parser/pull/9"))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/pr", withCol.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PRResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "workspace", resp.Source)
	require.NotNil(t, resp.PRNumber)
	assert.Equal(t, 9, *resp.PRNumber)

	// No column: the log scan finds the last URL printed.
	logIssue := f.seedIssue(t, 8)
	fromLogs := f.seedWorkspace(t, logIssue.ID, store.WorkspaceStatusCompleted)
	_, err := f.store.AppendWorkspaceLog(ctx, fromLogs.ID, store.StreamStdout, "opened https://github.com/acme/parser/pull/11")
	require.NoError(t, err)
	_, err = f.store.AppendWorkspaceLog(ctx, fromLogs.ID, store.StreamStdout, "updated https://github.com/acme/parser/pull/12")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/pr", fromLogs.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "logs", resp.Source)
	require.NotNil(t, resp.PRURL)
	assert.Equal(t, "https://github.com/acme/parser/pull/12", *resp.PRURL)

	// No column and no log hits: the issue's contribution is consulted.
	contribIssue := f.seedIssue(t, 9)
	fromContrib := f.seedWorkspace(t, contribIssue.ID, store.WorkspaceStatusCompleted)
	prURL := "https://github.com/acme/parser/pull/13"
	prNumber := 13
	require.NoError(t, f.store.UpsertContribution(ctx, &store.Contribution{
		IssueID:    contribIssue.ID,
		PRURL:      &prURL,
		PRNumber:   &prNumber,
		BranchName: "fix/issue-9",
		Status:     store.ContributionStatusPROpen,
	}))

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/pr", fromContrib.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "contribution", resp.Source)
	require.NotNil(t, resp.PRURL)
	assert.Equal(t, prURL, *resp.PRURL)

	// Nothing anywhere.
	bareIssue := f.seedIssue(t, 10)
	bare := f.seedWorkspace(t, bareIssue.ID, store.WorkspaceStatusContainerCrashed)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workspaces/%d/pr", bare.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "null", resp.Source)
	assert.Nil(t, resp.PRURL)
	assert.Nil(t, resp.PRNumber)
}

func TestStreamWorkspaceLogs(t *testing.T) {
	f := newServerFixture(t)
	ws := f.seedWorkspace(t, f.issue.ID, store.WorkspaceStatusRunning)

	ctx := context.Background()
	_, err := f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStdout, "history line 1")
	require.NoError(t, err)
	_, err = f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStdout, "history line 2")
	require.NoError(t, err)

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/api/v1/workspaces/%d/logs/stream", ws.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil) //nolint:bodyclose
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	readMessage := func() logStreamMessage {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg logStreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	assert.Equal(t, "history line 1", readMessage().Line)
	assert.Equal(t, "history line 2", readMessage().Line)

	// A newly committed line arrives over the bus.
	row, err := f.store.AppendWorkspaceLog(ctx, ws.ID, store.StreamStderr, "live line")
	require.NoError(t, err)
	event := bus.NewEvent(bus.EventWorkspaceLog, "workspace-runner", map[string]interface{}{
		"workspace_id": ws.ID,
		"log_id":       row.ID,
		"stream":       row.Stream,
		"line":         row.Line,
	})
	require.NoError(t, f.bus.Publish(ctx, bus.WorkspaceLogSubject(ws.ID), event))

	live := readMessage()
	assert.Equal(t, "live line", live.Line)
	assert.Equal(t, store.StreamStderr, live.Stream)
	assert.Equal(t, row.ID, live.ID)
}

func TestStreamWorkspaceLogs_UnknownWorkspace(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/workspaces/999/logs/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRouteIsMounted(t *testing.T) {
	f := newServerFixture(t)

	payload := []byte(`{"action":"closed","pull_request":{"number":9,"html_url":"https://github.com/acme/parser/pull/9","state":"closed","merged":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", webhook.Sign(testWebhookSecret, payload))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}
