package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/store"
)

// GET /api/v1/agents
func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list agents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// POST /api/v1/agents
func (s *Server) handleCreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent := &store.Agent{Name: req.Name, Model: req.Model}
	if err := s.store.CreateAgent(c.Request.Context(), agent); err != nil {
		s.respondError(c, err, "failed to create agent")
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GET /api/v1/agents/:id
func (s *Server) handleGetAgent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// PATCH /api/v1/agents/:id
func (s *Server) handleUpdateAgent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load agent")
		return
	}
	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.Status != nil {
		agent.Status = *req.Status
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		s.respondError(c, err, "failed to update agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DELETE /api/v1/agents/:id
func (s *Server) handleDeleteAgent(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteAgent(c.Request.Context(), id); err != nil {
		s.respondError(c, err, "failed to delete agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// GET /api/v1/agent-runs?issue_id=N
func (s *Server) handleListAgentRuns(c *gin.Context) {
	issueID := queryInt64(c, "issue_id")
	if issueID == 0 {
		appErr := apperrors.ValidationError("issue_id", "issue_id query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	runs, err := s.store.ListAgentRunsByIssue(c.Request.Context(), issueID)
	if err != nil {
		s.respondError(c, err, "failed to list agent runs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_runs": runs, "count": len(runs)})
}

// GET /api/v1/agent-runs/:id
func (s *Server) handleGetAgentRun(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	run, err := s.store.GetAgentRun(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load agent run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// GET /api/v1/agent-states/suspended
func (s *Server) handleListSuspendedAgentStates(c *gin.Context) {
	states, err := s.store.ListSuspendedAgentStates(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list suspended agent states")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_states": states, "count": len(states)})
}

// GET /api/v1/agent-states/:id
func (s *Server) handleGetAgentState(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	state, err := s.store.GetAgentState(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load agent state")
		return
	}
	c.JSON(http.StatusOK, state)
}

// GET /api/v1/contributions?status=pr_open&issue_id=N
func (s *Server) handleListContributions(c *gin.Context) {
	ctx := c.Request.Context()

	if issueID := queryInt64(c, "issue_id"); issueID != 0 {
		contrib, err := s.store.FindContributionByIssue(ctx, issueID)
		if err != nil {
			s.respondError(c, err, "failed to load contribution")
			return
		}
		rows := []*store.Contribution{}
		if contrib != nil {
			rows = append(rows, contrib)
		}
		c.JSON(http.StatusOK, gin.H{"contributions": rows, "count": len(rows)})
		return
	}

	rows, err := s.store.ListContributions(ctx, store.ContributionStatus(c.Query("status")))
	if err != nil {
		s.respondError(c, err, "failed to list contributions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"contributions": rows, "count": len(rows)})
}

// GET /api/v1/contributions/:id
func (s *Server) handleGetContribution(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	contrib, err := s.store.GetContribution(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load contribution")
		return
	}
	c.JSON(http.StatusOK, contrib)
}

// GET /api/v1/webhooks?processed=false&contribution_id=N
func (s *Server) handleListWebhooks(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		hooks []*store.Webhook
		err   error
	)
	switch {
	case c.Query("contribution_id") != "":
		hooks, err = s.store.ListWebhooksByContribution(ctx, queryInt64(c, "contribution_id"))
	case c.Query("processed") == "false":
		hooks, err = s.store.ListUnprocessedWebhooks(ctx)
	default:
		hooks, err = s.store.ListWebhooks(ctx)
	}
	if err != nil {
		s.respondError(c, err, "failed to list webhooks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks, "count": len(hooks)})
}

// GET /api/v1/webhooks/:id
func (s *Server) handleGetWebhook(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	hook, err := s.store.GetWebhook(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load webhook")
		return
	}
	c.JSON(http.StatusOK, hook)
}

// GET /api/v1/config
func (s *Server) handleListConfig(c *gin.Context) {
	entries, err := s.store.ListConfig(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list config")
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": entries, "count": len(entries)})
}

// PATCH /api/v1/config/:key
func (s *Server) handleSetConfig(c *gin.Context) {
	key := c.Param("key")
	var req SetConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := s.store.SetConfigValue(c.Request.Context(), key, req.Value); err != nil {
		s.respondError(c, err, "failed to set config value")
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
