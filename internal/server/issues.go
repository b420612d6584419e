package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/store"
)

// GET /api/v1/repositories
func (s *Server) handleListRepositories(c *gin.Context) {
	repos, err := s.store.ListRepositories(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "failed to list repositories")
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos, "count": len(repos)})
}

// POST /api/v1/repositories
func (s *Server) handleCreateRepository(c *gin.Context) {
	var req CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	repo := &store.Repository{
		FullName: req.FullName,
		URL:      req.URL,
		Language: req.Language,
	}
	if repo.URL == "" {
		repo.URL = "https://github.com/" + repo.FullName
	}
	if err := s.store.CreateRepository(c.Request.Context(), repo); err != nil {
		s.respondError(c, err, "failed to create repository")
		return
	}
	c.JSON(http.StatusCreated, repo)
}

// GET /api/v1/repositories/:id
func (s *Server) handleGetRepository(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	repo, err := s.store.GetRepository(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load repository")
		return
	}
	c.JSON(http.StatusOK, repo)
}

// PATCH /api/v1/repositories/:id
func (s *Server) handleUpdateRepository(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load repository")
		return
	}
	if req.FullName != nil {
		repo.FullName = *req.FullName
	}
	if req.URL != nil {
		repo.URL = *req.URL
	}
	if req.Language != nil {
		repo.Language = *req.Language
	}
	if err := s.store.UpdateRepository(ctx, repo); err != nil {
		s.respondError(c, err, "failed to update repository")
		return
	}
	c.JSON(http.StatusOK, repo)
}

// DELETE /api/v1/repositories/:id
func (s *Server) handleDeleteRepository(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteRepository(c.Request.Context(), id); err != nil {
		s.respondError(c, err, "failed to delete repository")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// GET /api/v1/repositories/:id/environment
func (s *Server) handleGetRepositoryEnvironment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	env, err := s.store.GetRepositoryEnvironment(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load repository environment")
		return
	}
	c.JSON(http.StatusOK, env)
}

// GET /api/v1/issues?repository_id=N&status=open
func (s *Server) handleListIssues(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		issues []*store.Issue
		err    error
	)
	if status := c.Query("status"); status != "" {
		issues, err = s.store.ListIssuesByStatus(ctx, store.IssueStatus(status))
	} else {
		issues, err = s.store.ListIssues(ctx, queryInt64(c, "repository_id"))
	}
	if err != nil {
		s.respondError(c, err, "failed to list issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

// POST /api/v1/issues
func (s *Server) handleCreateIssue(c *gin.Context) {
	var req CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.RepositoryID == 0 || req.Number == 0 {
		appErr := apperrors.ValidationError("request", "repository_id and number are required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	issue := &store.Issue{
		RepositoryID: req.RepositoryID,
		Number:       req.Number,
		Title:        req.Title,
		Body:         req.Body,
		Labels:       req.Labels,
		AIFixPrompt:  req.AIFixPrompt,
	}
	if err := s.store.CreateIssue(c.Request.Context(), issue); err != nil {
		s.respondError(c, err, "failed to create issue")
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// GET /api/v1/issues/:id
func (s *Server) handleGetIssue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	issue, err := s.store.GetIssue(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err, "failed to load issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

// PATCH /api/v1/issues/:id
func (s *Server) handleUpdateIssue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	issue, err := s.store.GetIssue(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load issue")
		return
	}
	if req.Title != nil {
		issue.Title = *req.Title
	}
	if req.Body != nil {
		issue.Body = *req.Body
	}
	if req.Labels != nil {
		issue.Labels = *req.Labels
	}
	if req.Status != nil {
		issue.Status = store.IssueStatus(*req.Status)
	}
	if req.AIFixPrompt != nil {
		issue.AIFixPrompt = req.AIFixPrompt
	}
	if err := s.store.UpdateIssue(ctx, issue); err != nil {
		s.respondError(c, err, "failed to update issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

// DELETE /api/v1/issues/:id
func (s *Server) handleDeleteIssue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := s.store.DeleteIssue(c.Request.Context(), id); err != nil {
		s.respondError(c, err, "failed to delete issue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleExtractIssue refreshes an issue from the extraction service and
// persists the repository environment it reports.
// POST /api/v1/issues/:id/extract
func (s *Server) handleExtractIssue(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	issue, err := s.store.GetIssue(ctx, id)
	if err != nil {
		s.respondError(c, err, "failed to load issue")
		return
	}
	repo, err := s.store.GetRepository(ctx, issue.RepositoryID)
	if err != nil {
		s.respondError(c, err, "failed to load repository")
		return
	}

	if err := s.store.UpdateIssueStatus(ctx, issue.ID, store.IssueStatusExtracting); err != nil {
		s.respondError(c, err, "failed to update issue status")
		return
	}

	record, err := s.extractor.Extract(ctx, repo.URL, issue.Number)
	if err != nil {
		s.logger.Error("Issue extraction failed",
			zap.Int64("issue_id", issue.ID),
			zap.Error(err))
		if serr := s.store.UpdateIssueStatus(context.WithoutCancel(ctx), issue.ID, store.IssueStatusError); serr != nil {
			s.logger.Warn("Failed to mark issue errored",
				zap.Int64("issue_id", issue.ID),
				zap.Error(serr))
		}
		appErr := apperrors.BadGateway("issue extraction failed: "+err.Error(), err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	issue.Title = record.Title
	issue.Body = record.Body
	issue.Labels = record.Labels
	if record.AIFixPrompt != "" {
		issue.AIFixPrompt = &record.AIFixPrompt
	}
	issue.Status = store.IssueStatusOpen
	if err := s.store.UpdateIssue(ctx, issue); err != nil {
		s.respondError(c, err, "failed to persist extracted issue")
		return
	}

	if record.Language != "" && record.Language != repo.Language {
		repo.Language = record.Language
		if err := s.store.UpdateRepository(ctx, repo); err != nil {
			s.logger.Warn("Failed to persist repository language",
				zap.Int64("repository_id", repo.ID),
				zap.Error(err))
		}
	}

	env := &store.RepositoryEnvironment{
		RepositoryID:   repo.ID,
		Runtime:        record.Environment.Runtime,
		PackageManager: record.Environment.PackageManager,
		SetupCommands:  record.Environment.SetupCommands,
		TestCommands:   record.Environment.TestCommands,
	}
	if err := s.store.UpsertRepositoryEnvironment(ctx, env); err != nil {
		s.respondError(c, err, "failed to persist repository environment")
		return
	}

	s.logger.Info("Issue extracted",
		zap.Int64("issue_id", issue.ID),
		zap.String("repo", repo.FullName),
		zap.Int("number", issue.Number))
	c.JSON(http.StatusOK, issue)
}
