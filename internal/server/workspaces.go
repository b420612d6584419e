package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/workspace"
)

// handleSpawnWorkspace provisions a workspace for an issue and starts the
// agent asynchronously once the container is up.
// POST /api/v1/workspaces/spawn
func (s *Server) handleSpawnWorkspace(c *gin.Context) {
	var req workspace.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.IssueID == 0 || req.AgentID == 0 {
		appErr := apperrors.ValidationError("request", "issue_id and agent_id are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ws, err := s.manager.Spawn(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("Failed to spawn workspace",
			zap.Int64("issue_id", req.IssueID),
			zap.Error(err))
		switch {
		case errors.Is(err, workspace.ErrWorkspaceActive):
			appErr := apperrors.Conflict(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
		case ws != nil:
			// The row survives with its structured error; hand both back so
			// the caller can see what failed without a second request.
			appErr := apperrors.BadGateway("workspace provisioning failed: "+err.Error(), err)
			c.JSON(appErr.HTTPStatus, gin.H{"error": appErr, "workspace": ws})
		default:
			s.respondError(c, err, "failed to spawn workspace")
		}
		return
	}

	c.JSON(http.StatusCreated, ws)
}

// handleDestroyWorkspace cancels or tears down a workspace. Safe to repeat.
// POST /api/v1/workspaces/:id/destroy
func (s *Server) handleDestroyWorkspace(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	ws, err := s.manager.Destroy(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to destroy workspace")
		return
	}
	c.JSON(http.StatusOK, ws)
}

// handleListWorkspaces lists workspaces, optionally filtered by issue or
// status.
// GET /api/v1/workspaces?issue_id=N&status=running
func (s *Server) handleListWorkspaces(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		rows []*store.Workspace
		err  error
	)
	switch {
	case c.Query("issue_id") != "":
		rows, err = s.store.ListWorkspacesByIssue(ctx, queryInt64(c, "issue_id"))
	case c.Query("status") != "":
		rows, err = s.store.ListWorkspacesByStatus(ctx, store.WorkspaceStatus(c.Query("status")))
	default:
		rows, err = s.store.ListWorkspaces(ctx)
	}
	if err != nil {
		s.respondError(c, err, "failed to list workspaces")
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": rows, "count": len(rows)})
}

// GET /api/v1/workspaces/:id
func (s *Server) handleGetWorkspace(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ws, err := s.store.GetWorkspace(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load workspace")
		return
	}
	c.JSON(http.StatusOK, ws)
}

// handleWorkspaceLogs returns committed log lines, oldest first.
// GET /api/v1/workspaces/:id/logs?after_id=N&limit=M
func (s *Server) handleWorkspaceLogs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		s.respondError(c, err, "failed to load workspace")
		return
	}

	afterID := queryInt64(c, "after_id")
	limit := int(queryInt64(c, "limit"))
	rows, err := s.store.GetWorkspaceLogs(ctx, id, afterID, limit)
	if err != nil {
		s.respondError(c, err, "failed to load workspace logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows, "count": len(rows)})
}

// handleWorkspacePR reports the pull request a workspace produced, falling
// back from the workspace column to a log scan to the issue's contribution.
// GET /api/v1/workspaces/:id/pr
func (s *Server) handleWorkspacePR(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load workspace")
		return
	}

	resp := PRResponse{BranchName: ws.BranchName, Source: "null"}
	if ws.PRURL != nil && *ws.PRURL != "" {
		resp.PRURL = ws.PRURL
		resp.Source = "workspace"
	} else if url := s.prFromLogs(ctx, id); url != "" {
		resp.PRURL = &url
		resp.Source = "logs"
	} else if contrib, cerr := s.store.FindContributionByIssue(ctx, ws.IssueID); cerr == nil && contrib != nil && contrib.PRURL != nil && *contrib.PRURL != "" {
		resp.PRURL = contrib.PRURL
		resp.Source = "contribution"
	}
	if resp.PRURL != nil {
		resp.PRNumber = workspace.PRNumberFromURL(*resp.PRURL)
	}
	c.JSON(http.StatusOK, resp)
}

// prFromLogs scans committed log lines for the most recent PR URL.
func (s *Server) prFromLogs(ctx context.Context, workspaceID int64) string {
	rows, err := s.store.GetWorkspaceLogs(ctx, workspaceID, 0, 0)
	if err != nil {
		return ""
	}
	found := ""
	for _, row := range rows {
		if url := workspace.FindPRURL(row.Line); url != "" {
			found = url
		}
	}
	return found
}

// logStreamMessage is one pushed log line on the WebSocket stream.
type logStreamMessage struct {
	ID     int64  `json:"id"`
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// handleStreamWorkspaceLogs pushes committed log lines over a WebSocket,
// replaying history after the optional after_id cursor first.
// GET /api/v1/workspaces/:id/logs/stream?after_id=N
func (s *Server) handleStreamWorkspaceLogs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		s.respondError(c, err, "failed to load workspace")
		return
	}
	afterID := queryInt64(c, "after_id")

	// Subscribe before replaying history so nothing committed across the
	// boundary is lost; duplicates are dropped by id below.
	lineCh := make(chan logStreamMessage, 256)
	sub, err := s.bus.Subscribe(bus.WorkspaceLogSubject(id), func(_ context.Context, event *bus.Event) error {
		msg := logStreamMessage{
			ID:     eventInt64(event.Data["log_id"]),
			Stream: eventString(event.Data["stream"]),
			Line:   eventString(event.Data["line"]),
		}
		select {
		case lineCh <- msg:
		default: // slow client, drop rather than block the bus
		}
		return nil
	})
	if err != nil {
		s.respondError(c, err, "failed to subscribe to workspace logs")
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			zap.Int64("workspace_id", id),
			zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	history, err := s.store.GetWorkspaceLogs(ctx, id, afterID, 0)
	if err != nil {
		s.logger.Warn("Failed to replay workspace log history",
			zap.Int64("workspace_id", id),
			zap.Error(err))
		return
	}
	lastID := afterID
	for _, row := range history {
		if err := writeLogMessage(conn, logStreamMessage{ID: row.ID, Stream: row.Stream, Line: row.Line}); err != nil {
			return
		}
		lastID = row.ID
	}

	closeCh := make(chan struct{})
	go func() {
		defer close(closeCh)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-lineCh:
			if msg.ID <= lastID {
				continue
			}
			if err := writeLogMessage(conn, msg); err != nil {
				return
			}
			lastID = msg.ID
		case <-closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeLogMessage(conn *websocket.Conn, msg logStreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// eventInt64 coerces a bus payload number; NATS delivery decodes numbers as
// float64 while the in-memory bus keeps native types.
func eventInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func eventString(v interface{}) string {
	str, _ := v.(string)
	return str
}
