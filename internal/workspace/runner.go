// Package workspace drives one fix attempt end to end: fork and branch
// resolution, recipe synthesis, image build, container lifecycle, agent
// execution with multiplexed log streaming, and the terminal bookkeeping
// that turns a finished run into a contribution.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/common/stringutil"
	"github.com/fixdev/fixdev/internal/common/tracing"
	"github.com/fixdev/fixdev/internal/docker"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/github"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/synth"
)

// In-container paths the runner controls. The sentinel command tails the
// log file; the agent exec tees its stdout into the same file.
const (
	agentLogFile    = "/tmp/fixdev-agent.log"
	agentPromptFile = "/tmp/fixdev-prompt.md"
)

// recipeExcerptLimit bounds the recipe text attached to structured errors.
const recipeExcerptLimit = 2000

// ContainerEngine is the daemon surface the runner needs. *docker.Client
// satisfies it; tests substitute a fake.
type ContainerEngine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, recipe, tag string, progress func(line string)) (string, error)
	CreateAndStart(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StopAndRemove(ctx context.Context, containerID string, grace time.Duration) error
	ContainerExists(ctx context.Context, containerID string) (bool, error)
	ListManagedContainers(ctx context.Context) ([]docker.ContainerInfo, error)
	ExecStream(ctx context.Context, containerID string, cfg docker.ExecConfig, stdout, stderr io.Writer) (int, error)
}

// SpawnRequest are the inputs to one fix attempt. A zero TimeoutMinutes
// takes the operator-configured default.
type SpawnRequest struct {
	IssueID        int64   `json:"issue_id"`
	AgentID        int64   `json:"agent_id"`
	TimeoutMinutes float64 `json:"timeout_minutes"`
}

// preparedRun carries the rows one runner owns for the duration of a run.
type preparedRun struct {
	workspace *store.Workspace
	issue     *store.Issue
	repo      *store.Repository
	env       *store.RepositoryEnvironment
	agentRun  *store.AgentRun
	isRerun   bool
}

// Runner executes the workspace state machine for single runs.
type Runner struct {
	store  *store.Store
	engine ContainerEngine
	synth  *synth.Synthesizer
	github github.Client
	bus    bus.EventBus
	cfg    *config.Config
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(st *store.Store, engine ContainerEngine, syn *synth.Synthesizer, gh github.Client, eb bus.EventBus, cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		store:  st,
		engine: engine,
		synth:  syn,
		github: gh,
		bus:    eb,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workspace-runner")),
	}
}

// prepare loads the rows a run needs, resolves re-run vs fresh semantics,
// ensures the fork, and inserts the workspace and agent-run rows. No
// workspace row exists until every precondition held, so failures here are
// plain errors without a persisted run.
func (r *Runner) prepare(ctx context.Context, req SpawnRequest) (*preparedRun, error) {
	issue, err := r.store.GetIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.GetAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}
	repo, err := r.store.GetRepository(ctx, issue.RepositoryID)
	if err != nil {
		return nil, err
	}
	env, err := r.store.GetRepositoryEnvironment(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("repository %s has no extracted environment: %w", repo.FullName, err)
	}

	// A prior contribution with a branch pins the branch name: re-run.
	contrib, err := r.store.FindContributionByIssue(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	branch := BranchName(issue.Number)
	isRerun := false
	if contrib != nil && contrib.BranchName != "" {
		branch = contrib.BranchName
		isRerun = true
	}

	// Fork coordinates are populated lazily on first spawn.
	if repo.ForkFullName == nil || *repo.ForkFullName == "" {
		fork, err := r.github.EnsureFork(ctx, repo.FullName)
		if err != nil {
			return nil, fmt.Errorf("ensure fork: %w", err)
		}
		if err := r.store.SetRepositoryFork(ctx, repo.ID, fork.FullName, fork.URL); err != nil {
			return nil, err
		}
		repo.ForkFullName = &fork.FullName
		repo.ForkURL = &fork.URL
	}

	// An already-open PR for this branch seeds pr_url.
	var priorPR *string
	if pr, err := r.github.FindOpenPR(ctx, repo.FullName, branch); err != nil {
		r.logger.Warn("Open PR lookup failed",
			zap.String("repo", repo.FullName),
			zap.String("branch", branch),
			zap.Error(err))
	} else if pr != nil {
		priorPR = &pr.URL
	}

	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = r.store.GetConfigFloat(ctx, store.ConfigWorkspaceTimeoutMinutes, r.cfg.Workspace.DefaultTimeoutMinutes)
	}

	run := &store.AgentRun{
		AgentID: req.AgentID,
		IssueID: issue.ID,
		Status:  store.AgentRunStatusRunning,
	}
	if err := r.store.CreateAgentRun(ctx, run); err != nil {
		return nil, err
	}

	ws := &store.Workspace{
		AgentID:        req.AgentID,
		AgentRunID:     &run.ID,
		RepositoryID:   repo.ID,
		IssueID:        issue.ID,
		Status:         store.WorkspaceStatusBuilding,
		BranchName:     branch,
		TimeoutMinutes: timeout,
		PRURL:          priorPR,
	}
	if err := r.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	if err := r.store.UpdateIssueStatus(ctx, issue.ID, store.IssueStatusFixing); err != nil {
		r.logger.Warn("Failed to mark issue fixing", zap.Int64("issue_id", issue.ID), zap.Error(err))
	}
	r.publishStatus(ctx, ws.ID, store.WorkspaceStatusBuilding)

	r.logger.Info("Workspace prepared",
		zap.Int64("workspace_id", ws.ID),
		zap.Int64("issue_id", issue.ID),
		zap.String("branch", branch),
		zap.Bool("rerun", isRerun))

	return &preparedRun{
		workspace: ws,
		issue:     issue,
		repo:      repo,
		env:       env,
		agentRun:  run,
		isRerun:   isRerun,
	}, nil
}

// buildAndStart runs the synthesize-build loop and starts the workspace
// container. On failure the workspace row carries the structured error and
// the error is returned so the spawn caller can surface it.
func (r *Runner) buildAndStart(ctx context.Context, prep *preparedRun) error {
	ws := prep.workspace

	if err := r.engine.Ping(ctx); err != nil {
		serr := store.NewStructuredError(store.ErrorTypeBuildFailed,
			fmt.Sprintf("container daemon unreachable: %v", err), nil)
		r.failWorkspace(ctx, prep, store.WorkspaceStatusBuildFailed, serr)
		return fmt.Errorf("container daemon unreachable: %w", err)
	}

	tag := ImageTag(prep.repo.FullName, ws.ID)
	input := synth.RecipeInput{
		RepoFullName: prep.repo.FullName,
		OriginURL:    prep.repo.URL,
		Language:     prep.repo.Language,
		ForkURL:      derefString(prep.repo.ForkURL),
	}

	var attempts int
	var lastRecipe string
	var lastTail []string
	synthCtx, synthSpan := tracing.Tracer("fixdev-runner").Start(ctx, "runner.synthesize")
	_, err := r.synth.SynthesizeAndBuild(synthCtx, input, func(recipe string) error {
		attempts++
		lastRecipe = recipe
		// Persist each attempt's recipe so diagnostics show the last one tried.
		if err := r.store.SetWorkspaceRecipe(synthCtx, ws.ID, recipe); err != nil {
			return fmt.Errorf("persist recipe: %w", err)
		}
		buildCtx, buildSpan := tracing.Tracer("fixdev-runner").Start(synthCtx, "runner.build_image")
		_, buildErr := r.engine.BuildImage(buildCtx, recipe, tag, func(line string) {
			r.logger.Debug("Image build progress",
				zap.Int64("workspace_id", ws.ID),
				zap.String("line", line))
		})
		buildSpan.End()
		var be *docker.BuildError
		if errors.As(buildErr, &be) {
			lastTail = be.Tail
		}
		return buildErr
	})
	synthSpan.End()
	if err != nil {
		details := map[string]interface{}{"attempt": attempts}
		if lastRecipe != "" {
			details["recipe"] = stringutil.Excerpt(lastRecipe, recipeExcerptLimit)
		}
		if len(lastTail) > 0 {
			details["progress_tail"] = lastTail
		}
		serr := store.NewStructuredError(store.ErrorTypeBuildFailed, err.Error(), details)
		r.failWorkspace(ctx, prep, store.WorkspaceStatusBuildFailed, serr)
		return err
	}

	containerID, err := r.engine.CreateAndStart(ctx, r.containerConfig(ws, tag))
	if err != nil {
		serr := store.NewStructuredError(store.ErrorTypeContainerCrashed,
			fmt.Sprintf("container start failed: %v", err), nil)
		r.failWorkspace(ctx, prep, store.WorkspaceStatusContainerCrashed, serr)
		return err
	}

	if err := r.store.SetWorkspaceContainer(ctx, ws.ID, containerID); err != nil {
		r.failWorkspace(ctx, prep, store.WorkspaceStatusContainerCrashed,
			store.NewStructuredError(store.ErrorTypeContainerCrashed, err.Error(), nil))
		removeCtx := context.WithoutCancel(ctx)
		if removeErr := r.engine.StopAndRemove(removeCtx, containerID, 0); removeErr != nil {
			r.logger.Warn("Failed to remove container after bookkeeping failure", zap.Error(removeErr))
		}
		return err
	}
	ws.ContainerID = &containerID

	if err := r.setStatus(ctx, ws.ID, store.WorkspaceStatusRunning); err != nil {
		return err
	}
	ws.Status = store.WorkspaceStatusRunning

	r.logger.Info("Workspace running",
		zap.Int64("workspace_id", ws.ID),
		zap.String("container_id", containerID),
		zap.String("image", tag))
	return nil
}

// containerConfig assembles the create request: credential mounts read-only,
// provider token in the environment, host networking, the non-root agent
// user, and the sentinel command the exec will append to.
func (r *Runner) containerConfig(ws *store.Workspace, image string) docker.ContainerConfig {
	user := r.cfg.Agent.User
	home := "/home/" + user

	mounts := make([]docker.MountConfig, 0, 3)
	for _, src := range []string{
		r.cfg.Workspace.SSHDir,
		r.cfg.Workspace.AgentAuthFile,
		r.cfg.Workspace.AgentConfigDir,
	} {
		host := expandHome(src)
		if host == "" {
			continue
		}
		if _, err := os.Stat(host); err != nil {
			r.logger.Warn("Skipping credential mount, host path missing", zap.String("path", host))
			continue
		}
		mounts = append(mounts, docker.MountConfig{
			Source:   host,
			Target:   filepath.Join(home, filepath.Base(host)),
			ReadOnly: true,
		})
	}

	token := r.cfg.GitHub.Token
	return docker.ContainerConfig{
		Name:  ContainerName(ws.ID),
		Image: image,
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("touch %s && exec tail -f %s", agentLogFile, agentLogFile)},
		Env: []string{
			"GITHUB_TOKEN=" + token,
			"GH_TOKEN=" + token,
		},
		WorkingDir:  home + "/repo",
		User:        user,
		Tty:         true,
		Mounts:      mounts,
		NetworkMode: "host",
		Labels: map[string]string{
			docker.LabelManaged:     "true",
			docker.LabelWorkspaceID: strconv.FormatInt(ws.ID, 10),
		},
	}
}

// failWorkspace persists a terminal failure. It runs on a cancellation-proof
// context because failure paths often arrive with an expired one.
func (r *Runner) failWorkspace(ctx context.Context, prep *preparedRun, status store.WorkspaceStatus, serr *store.StructuredError) {
	pctx := context.WithoutCancel(ctx)

	if err := r.store.SetWorkspaceError(pctx, prep.workspace.ID, status, serr); err != nil {
		r.logger.Error("Failed to persist workspace error",
			zap.Int64("workspace_id", prep.workspace.ID), zap.Error(err))
	}
	msg := serr.Message
	if err := r.store.UpdateAgentRunStatus(pctx, prep.agentRun.ID, store.AgentRunStatusFailed, &msg); err != nil {
		r.logger.Warn("Failed to finish agent run", zap.Error(err))
	}
	if err := r.store.UpdateIssueStatus(pctx, prep.issue.ID, store.IssueStatusError); err != nil {
		r.logger.Warn("Failed to mark issue errored", zap.Error(err))
	}
	r.publishStatus(pctx, prep.workspace.ID, status)
}

// setStatus persists a transition and publishes it.
func (r *Runner) setStatus(ctx context.Context, workspaceID int64, status store.WorkspaceStatus) error {
	if err := r.store.UpdateWorkspaceStatus(ctx, workspaceID, status); err != nil {
		return err
	}
	r.publishStatus(ctx, workspaceID, status)
	return nil
}

func (r *Runner) publishStatus(ctx context.Context, workspaceID int64, status store.WorkspaceStatus) {
	event := bus.NewEvent(bus.EventWorkspaceStatus, "workspace-runner", map[string]interface{}{
		"workspace_id": workspaceID,
		"status":       string(status),
	})
	if err := r.bus.Publish(ctx, bus.WorkspaceStatusSubject(workspaceID), event); err != nil {
		r.logger.Debug("Failed to publish status event", zap.Error(err))
	}
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// expandHome resolves a leading ~ against the current user's home.
func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
