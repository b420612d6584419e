package workspace

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/docker"
	"github.com/fixdev/fixdev/internal/store"
)

// ErrWorkspaceActive is returned by Spawn when the issue already has a
// workspace in a non-terminal state.
var ErrWorkspaceActive = errors.New("issue already has an active workspace")

// managedRun tracks one in-flight agent execution.
type managedRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the set of live workspace runs: it admits new spawns under
// the concurrency cap, routes destroys at running workspaces, and reconciles
// rows left behind by a previous process.
type Manager struct {
	runner *Runner
	store  *store.Store
	engine ContainerEngine
	cfg    *config.Config
	logger *logger.Logger

	baseCtx  context.Context
	baseStop context.CancelFunc
	sem      *semaphore.Weighted

	mu   sync.Mutex
	runs map[int64]*managedRun
}

// NewManager creates a Manager. The concurrency cap is read once from the
// config table so operator edits apply on the next restart.
func NewManager(runner *Runner, st *store.Store, engine ContainerEngine, cfg *config.Config, log *logger.Logger) *Manager {
	baseCtx, baseStop := context.WithCancel(context.Background())
	limit := st.GetConfigInt(baseCtx, store.ConfigMaxConcurrentAgents, cfg.Workspace.MaxConcurrentAgents)
	if limit < 1 {
		limit = 1
	}
	return &Manager{
		runner:   runner,
		store:    st,
		engine:   engine,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "workspace-manager")),
		baseCtx:  baseCtx,
		baseStop: baseStop,
		sem:      semaphore.NewWeighted(int64(limit)),
		runs:     make(map[int64]*managedRun),
	}
}

// Spawn prepares, builds, and starts a workspace for the request, then hands
// the agent execution to a background goroutine. Build and start failures
// are persisted on the workspace row and returned alongside it so callers
// can surface both.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*store.Workspace, error) {
	active, err := m.store.GetActiveWorkspaceForIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, fmt.Errorf("%w: workspace %d", ErrWorkspaceActive, active.ID)
	}

	prep, err := m.runner.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.runner.buildAndStart(ctx, prep); err != nil {
		return prep.workspace, err
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	mr := &managedRun{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.runs[prep.workspace.ID] = mr
	m.mu.Unlock()

	go func() {
		defer close(mr.done)
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.runs, prep.workspace.ID)
			m.mu.Unlock()
		}()

		if err := m.sem.Acquire(runCtx, 1); err != nil {
			m.logger.Warn("Agent slot acquisition aborted",
				zap.Int64("workspace_id", prep.workspace.ID), zap.Error(err))
			return
		}
		defer m.sem.Release(1)
		m.runner.ExecuteAgent(runCtx, prep)
	}()

	return prep.workspace, nil
}

// Destroy tears a workspace down. Already-destroyed workspaces are a no-op.
// An active workspace is cancelled: the status flips first so the runner
// observes it when its exec stream dies, then the container is removed. A
// terminal workspace that still holds a container is cleaned up and marked
// destroyed.
func (m *Manager) Destroy(ctx context.Context, workspaceID int64) (*store.Workspace, error) {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.DestroyedAt != nil {
		return ws, nil
	}

	pctx := context.WithoutCancel(ctx)
	if !ws.Status.IsTerminal() {
		if err := m.runner.setStatus(pctx, ws.ID, store.WorkspaceStatusCancelled); err != nil {
			return nil, err
		}
		m.removeContainer(pctx, ws)
		m.cancelRun(ws.ID)

		if ws.AgentRunID != nil {
			if err := m.store.UpdateAgentRunStatus(pctx, *ws.AgentRunID, store.AgentRunStatusCancelled, nil); err != nil {
				m.logger.Warn("Failed to cancel agent run", zap.Error(err))
			}
		}
		// Cancel returns the issue to the pool; a later spawn retries it.
		if err := m.store.UpdateIssueStatus(pctx, ws.IssueID, store.IssueStatusOpen); err != nil {
			m.logger.Warn("Failed to reopen issue", zap.Int64("issue_id", ws.IssueID), zap.Error(err))
		}
		if err := m.store.MarkWorkspaceDestroyed(pctx, ws.ID, store.WorkspaceStatusCancelled); err != nil {
			return nil, err
		}
		m.logger.Info("Workspace cancelled", zap.Int64("workspace_id", ws.ID))
	} else {
		m.removeContainer(pctx, ws)
		if err := m.store.MarkWorkspaceDestroyed(pctx, ws.ID, store.WorkspaceStatusDestroyed); err != nil {
			return nil, err
		}
		m.logger.Info("Workspace destroyed", zap.Int64("workspace_id", ws.ID))
	}

	return m.store.GetWorkspace(pctx, workspaceID)
}

func (m *Manager) removeContainer(ctx context.Context, ws *store.Workspace) {
	if ws.ContainerID == nil {
		return
	}
	if err := m.engine.StopAndRemove(ctx, *ws.ContainerID, 0); err != nil {
		m.logger.Warn("Failed to remove container",
			zap.Int64("workspace_id", ws.ID),
			zap.String("container_id", *ws.ContainerID),
			zap.Error(err))
	}
}

func (m *Manager) cancelRun(workspaceID int64) {
	m.mu.Lock()
	mr := m.runs[workspaceID]
	m.mu.Unlock()
	if mr != nil {
		mr.cancel()
	}
}

// Reconcile repairs state left behind by a previous process: workspaces
// stranded in a non-terminal status are failed according to how far they
// got, and managed containers without a live owner are removed.
func (m *Manager) Reconcile(ctx context.Context) error {
	stale, err := m.store.ListActiveWorkspaces(ctx)
	if err != nil {
		return err
	}

	// Daemon inspects dominate the cost here, so stranded rows are repaired
	// concurrently. A plain group (no shared cancellation) lets every repair
	// run to completion; the first persist failure is reported.
	var eg errgroup.Group
	for _, ws := range stale {
		eg.Go(func() error {
			return m.reconcileWorkspace(ctx, ws)
		})
	}
	err = eg.Wait()
	m.sweepOrphanContainers(ctx)
	return err
}

func (m *Manager) reconcileWorkspace(ctx context.Context, ws *store.Workspace) error {
	var status store.WorkspaceStatus
	var serr *store.StructuredError
	containerPresent := false

	if ws.ContainerID == nil {
		status = store.WorkspaceStatusBuildFailed
		serr = store.NewStructuredError(store.ErrorTypeBuildFailed,
			"orchestrator restarted during image build", nil)
	} else {
		exists, err := m.engine.ContainerExists(ctx, *ws.ContainerID)
		if err != nil {
			m.logger.Warn("Container lookup failed during reconciliation",
				zap.String("container_id", *ws.ContainerID), zap.Error(err))
		}
		containerPresent = exists
		status = store.WorkspaceStatusContainerCrashed
		if exists {
			serr = store.NewStructuredError(store.ErrorTypeContainerCrashed,
				"orchestrator restarted while the agent was running", nil)
		} else {
			serr = store.NewStructuredError(store.ErrorTypeContainerCrashed,
				"container disappeared while the orchestrator was down", nil)
		}
	}

	if err := m.store.SetWorkspaceError(ctx, ws.ID, status, serr); err != nil {
		m.logger.Error("Failed to persist reconciled status",
			zap.Int64("workspace_id", ws.ID), zap.Error(err))
		return fmt.Errorf("reconcile workspace %d: %w", ws.ID, err)
	}
	m.runner.publishStatus(ctx, ws.ID, status)

	if ws.AgentRunID != nil {
		msg := serr.Message
		if err := m.store.UpdateAgentRunStatus(ctx, *ws.AgentRunID, store.AgentRunStatusFailed, &msg); err != nil {
			m.logger.Warn("Failed to fail stranded agent run", zap.Error(err))
		}
	}
	if err := m.store.UpdateIssueStatus(ctx, ws.IssueID, store.IssueStatusError); err != nil {
		m.logger.Warn("Failed to mark issue errored", zap.Int64("issue_id", ws.IssueID), zap.Error(err))
	}

	if containerPresent {
		m.removeContainer(ctx, ws)
		if err := m.store.MarkWorkspaceDestroyed(ctx, ws.ID, status); err != nil {
			m.logger.Warn("Failed to mark reconciled workspace destroyed", zap.Error(err))
		}
	}

	m.logger.Info("Reconciled stranded workspace",
		zap.Int64("workspace_id", ws.ID),
		zap.String("status", string(status)))
	return nil
}

// sweepOrphanContainers removes managed containers whose workspace row is
// gone or already terminal.
func (m *Manager) sweepOrphanContainers(ctx context.Context) {
	containers, err := m.engine.ListManagedContainers(ctx)
	if err != nil {
		m.logger.Warn("Failed to list managed containers", zap.Error(err))
		return
	}
	for _, ctr := range containers {
		id, err := strconv.ParseInt(ctr.Labels[docker.LabelWorkspaceID], 10, 64)
		if err == nil {
			ws, wsErr := m.store.GetWorkspace(ctx, id)
			if wsErr == nil && !ws.Status.IsTerminal() {
				continue
			}
		}
		m.logger.Info("Removing orphaned container",
			zap.String("container_id", ctr.ID),
			zap.String("name", ctr.Name))
		if err := m.engine.StopAndRemove(ctx, ctr.ID, 0); err != nil {
			m.logger.Warn("Failed to remove orphaned container",
				zap.String("container_id", ctr.ID), zap.Error(err))
		}
	}
}

// Shutdown cancels every in-flight run and waits for them to wind down or
// the context to expire.
func (m *Manager) Shutdown(ctx context.Context) {
	m.baseStop()

	m.mu.Lock()
	pending := make([]*managedRun, 0, len(m.runs))
	for _, mr := range m.runs {
		pending = append(pending, mr)
	}
	m.mu.Unlock()

	for _, mr := range pending {
		select {
		case <-mr.done:
		case <-ctx.Done():
			m.logger.Warn("Shutdown deadline reached with runs still active")
			return
		}
	}
}
