// Package server exposes the fixdev REST and WebSocket API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/config"
	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/common/httpmw"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/extract"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/webhook"
	"github.com/fixdev/fixdev/internal/workspace"
)

// WorkspaceManager is the lifecycle surface the HTTP layer drives.
type WorkspaceManager interface {
	Spawn(ctx context.Context, req workspace.SpawnRequest) (*store.Workspace, error)
	Destroy(ctx context.Context, workspaceID int64) (*store.Workspace, error)
}

// DaemonPinger reports container daemon reachability for health checks.
type DaemonPinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	manager   WorkspaceManager
	daemon    DaemonPinger
	bus       bus.EventBus
	extractor extract.Client
	webhooks  *webhook.Handler
	logger    *logger.Logger

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the API surface. Routes are registered immediately; the
// listener starts on Start.
func NewServer(cfg *config.Config, st *store.Store, manager WorkspaceManager, daemon DaemonPinger, eventBus bus.EventBus, extractor extract.Client, webhooks *webhook.Handler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		store:     st,
		manager:   manager,
		daemon:    daemon,
		bus:       eventBus,
		extractor: extractor,
		webhooks:  webhooks,
		logger:    log.WithFields(zap.String("component", "api-server")),
		router:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.RequestID())
	s.router.Use(httpmw.RequestLogger(log, "fixdev-api"))
	s.router.Use(httpmw.OtelTracing("fixdev-api"))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.POST("/webhooks/github", s.webhooks.HandleGitHub)

	api := s.router.Group("/api/v1")
	{
		api.POST("/workspaces/spawn", s.handleSpawnWorkspace)
		api.GET("/workspaces", s.handleListWorkspaces)
		api.GET("/workspaces/:id", s.handleGetWorkspace)
		api.POST("/workspaces/:id/destroy", s.handleDestroyWorkspace)
		api.GET("/workspaces/:id/logs", s.handleWorkspaceLogs)
		api.GET("/workspaces/:id/logs/stream", s.handleStreamWorkspaceLogs)
		api.GET("/workspaces/:id/pr", s.handleWorkspacePR)

		api.GET("/repositories", s.handleListRepositories)
		api.POST("/repositories", s.handleCreateRepository)
		api.GET("/repositories/:id", s.handleGetRepository)
		api.PATCH("/repositories/:id", s.handleUpdateRepository)
		api.DELETE("/repositories/:id", s.handleDeleteRepository)
		api.GET("/repositories/:id/environment", s.handleGetRepositoryEnvironment)

		api.GET("/issues", s.handleListIssues)
		api.POST("/issues", s.handleCreateIssue)
		api.GET("/issues/:id", s.handleGetIssue)
		api.PATCH("/issues/:id", s.handleUpdateIssue)
		api.DELETE("/issues/:id", s.handleDeleteIssue)
		api.POST("/issues/:id/extract", s.handleExtractIssue)

		api.GET("/agents", s.handleListAgents)
		api.POST("/agents", s.handleCreateAgent)
		api.GET("/agents/:id", s.handleGetAgent)
		api.PATCH("/agents/:id", s.handleUpdateAgent)
		api.DELETE("/agents/:id", s.handleDeleteAgent)

		api.GET("/agent-runs", s.handleListAgentRuns)
		api.GET("/agent-runs/:id", s.handleGetAgentRun)
		api.GET("/agent-states/suspended", s.handleListSuspendedAgentStates)
		api.GET("/agent-states/:id", s.handleGetAgentState)

		api.GET("/contributions", s.handleListContributions)
		api.GET("/contributions/:id", s.handleGetContribution)

		api.GET("/webhooks", s.handleListWebhooks)
		api.GET("/webhooks/:id", s.handleGetWebhook)

		api.GET("/config", s.handleListConfig)
		api.PATCH("/config/:key", s.handleSetConfig)
	}
}

// handleHealthz reports store, container daemon, and event bus health.
// GET /healthz
func (s *Server) handleHealthz(c *gin.Context) {
	ctx := c.Request.Context()
	health := gin.H{"status": "ok", "store": "ok", "docker": "ok", "events": "ok"}
	httpStatus := http.StatusOK

	if err := s.store.DB().PingContext(ctx); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	if err := s.daemon.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["docker"] = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	if !s.bus.IsConnected() {
		health["status"] = "degraded"
		health["events"] = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, health)
}

// respondError maps failures onto the wire: store misses become 404s,
// AppErrors keep their status, anything else is a 500.
func (s *Server) respondError(c *gin.Context, err error, message string) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case strings.Contains(err.Error(), "not found"):
		appErr = &apperrors.AppError{
			Code:       apperrors.ErrCodeNotFound,
			Message:    err.Error(),
			HTTPStatus: http.StatusNotFound,
		}
	default:
		s.logger.Error(message, zap.Error(err))
		appErr = apperrors.Wrap(err, message)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// pathID parses the named int64 path parameter, responding 400 on garbage.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		appErr := apperrors.BadRequest(fmt.Sprintf("invalid %s: %q", name, c.Param(name)))
		c.JSON(appErr.HTTPStatus, appErr)
		return 0, false
	}
	return id, true
}

// queryInt64 parses an optional integer query parameter, zero when absent.
func queryInt64(c *gin.Context, name string) int64 {
	v, _ := strconv.ParseInt(c.Query(name), 10, 64)
	return v
}
