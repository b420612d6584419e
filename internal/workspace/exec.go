package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/tracing"
	"github.com/fixdev/fixdev/internal/docker"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/store"
	"github.com/fixdev/fixdev/internal/synth"
)

// ExecuteAgent runs the coding agent inside the started container and owns
// everything after it: log persistence, PR detection, the terminal status,
// the contribution upsert, and container teardown. It never returns an
// error; exec-stage failures are persisted on the workspace row.
func (r *Runner) ExecuteAgent(ctx context.Context, prep *preparedRun) {
	ws := prep.workspace

	runCtx, cancel := context.WithDeadline(ctx, ws.ExpiresAt)
	defer cancel()

	// Log persistence must survive deadline and cancellation: the sinks
	// drain whatever the stream produced even when the run context is dead.
	sinkCtx := context.WithoutCancel(ctx)
	stdout := newLogSink(sinkCtx, r.store, r.bus, r.logger, ws.ID, store.StreamStdout, func(line string) {
		if url := FindPRURL(line); url != "" {
			if err := r.store.SetWorkspacePRURL(sinkCtx, ws.ID, url); err != nil {
				r.logger.Warn("Failed to persist PR URL", zap.Int64("workspace_id", ws.ID), zap.Error(err))
			}
		}
	})
	stderr := newLogSink(sinkCtx, r.store, r.bus, r.logger, ws.ID, store.StreamStderr, nil)

	execCtx, execSpan := tracing.Tracer("fixdev-runner").Start(runCtx, "runner.exec")
	exitCode, execErr := r.runAgent(execCtx, prep, stdout, stderr)
	execSpan.End()
	stdout.Flush()
	stderr.Flush()

	// The run's duration is anchored at workspace creation, the same instant
	// the expiry deadline is derived from.
	r.finishRun(ctx, runCtx, prep, stdout, stderr, exitCode, execErr, time.Since(ws.CreatedAt))
}

// runAgent resolves the fix prompt, writes it into the container over an
// exec, and runs the agent command with stdout teed into the sentinel log
// file. stderr is streamed separately so the two stay distinguishable.
func (r *Runner) runAgent(ctx context.Context, prep *preparedRun, stdout, stderr io.Writer) (int, error) {
	ws := prep.workspace
	if ws.ContainerID == nil {
		return -1, errors.New("workspace has no container")
	}
	containerID := *ws.ContainerID
	user := r.cfg.Agent.User
	home := "/home/" + user

	prompt, err := r.resolveFixPrompt(ctx, prep)
	if err != nil {
		return -1, err
	}

	// Quoted heredoc with a random delimiter keeps the prompt byte-exact
	// through the shell, whatever it contains.
	delim := "EOF-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	writeScript := fmt.Sprintf("cat > %s <<'%s'\n%s\n%s", agentPromptFile, delim, prompt, delim)
	code, err := r.engine.ExecStream(ctx, containerID, docker.ExecConfig{
		Cmd:  []string{"sh", "-c", writeScript},
		User: user,
	}, io.Discard, io.Discard)
	if err != nil {
		return -1, fmt.Errorf("write fix prompt: %w", err)
	}
	if code != 0 {
		return -1, fmt.Errorf("write fix prompt: exec exited with code %d", code)
	}

	// pipefail keeps the agent's exit code visible through the tee. The
	// recipe installs bash; plain sh may not support the option.
	agentScript := fmt.Sprintf(`set -o pipefail; %s "$(cat %s)" | tee -a %s`,
		r.cfg.Agent.Command, agentPromptFile, agentLogFile)

	r.logger.Info("Starting agent execution",
		zap.Int64("workspace_id", ws.ID),
		zap.String("container_id", containerID))

	return r.engine.ExecStream(ctx, containerID, docker.ExecConfig{
		Cmd:        []string{"bash", "-c", agentScript},
		User:       user,
		WorkingDir: home + "/repo",
	}, stdout, stderr)
}

// resolveFixPrompt returns the issue's stored fix prompt, generating and
// persisting one when extraction did not provide it.
func (r *Runner) resolveFixPrompt(ctx context.Context, prep *preparedRun) (string, error) {
	body := derefString(prep.issue.AIFixPrompt)
	if body == "" {
		generated, err := r.synth.GenerateFixPrompt(ctx, prep.repo.FullName, prep.issue.Number, prep.issue.Title, prep.issue.Body)
		if err != nil {
			return "", fmt.Errorf("generate fix prompt: %w", err)
		}
		if err := r.store.SetIssueFixPrompt(ctx, prep.issue.ID, generated); err != nil {
			r.logger.Warn("Failed to persist generated fix prompt", zap.Error(err))
		}
		body = generated
		prep.issue.AIFixPrompt = &generated
	}

	return synth.BuildFixPrompt(synth.FixPromptInput{
		RepoFullName:  prep.repo.FullName,
		IssueNumber:   prep.issue.Number,
		IssueTitle:    prep.issue.Title,
		AIFixPrompt:   body,
		BranchName:    prep.workspace.BranchName,
		BaseBranch:    prep.workspace.BaseBranch,
		SetupCommands: prep.env.SetupCommands,
		TestCommands:  prep.env.TestCommands,
		IsRerun:       prep.isRerun,
	}), nil
}

// finishRun classifies how the exec ended and persists the outcome. The
// precedence is: an operator cancel wins, then the deadline, then transport
// and exit-code failures, then success.
func (r *Runner) finishRun(ctx, runCtx context.Context, prep *preparedRun, stdout, stderr *logSink, exitCode int, execErr error, elapsed time.Duration) {
	pctx := context.WithoutCancel(ctx)
	ws, err := r.store.GetWorkspace(pctx, prep.workspace.ID)
	if err != nil {
		r.logger.Error("Failed to reload workspace after run", zap.Int64("workspace_id", prep.workspace.ID), zap.Error(err))
		return
	}
	prep.workspace = ws

	// Destroy set the status before killing the container, so a cancelled
	// run is observed here once the stream EOFs. Teardown belongs to the
	// destroyer; this side only records that it stopped.
	if ws.Status == store.WorkspaceStatusCancelled {
		fmt.Fprintln(stdout, "Run cancelled; agent execution stopped.")
		stdout.Flush()
		r.logger.Info("Workspace cancelled during agent execution", zap.Int64("workspace_id", ws.ID))
		return
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		serr := store.NewStructuredError(store.ErrorTypeTimeout,
			fmt.Sprintf("agent run exceeded the %v-minute timeout", ws.TimeoutMinutes),
			map[string]interface{}{"duration": elapsed.Seconds()})
		r.failWorkspace(pctx, prep, store.WorkspaceStatusTimeout, serr)
		// A timed-out container gets no grace: it is stopped on the spot.
		r.teardown(pctx, prep, store.WorkspaceStatusTimeout, 0)

	case errors.Is(ctx.Err(), context.Canceled):
		serr := store.NewStructuredError(store.ErrorTypeContainerCrashed,
			"agent execution interrupted by shutdown", nil)
		r.failWorkspace(pctx, prep, store.WorkspaceStatusContainerCrashed, serr)
		r.teardown(pctx, prep, store.WorkspaceStatusContainerCrashed, 0)

	case execErr != nil:
		serr := store.NewStructuredError(store.ErrorTypeContainerCrashed,
			fmt.Sprintf("agent exec failed: %v", execErr), nil)
		r.failWorkspace(pctx, prep, store.WorkspaceStatusContainerCrashed, serr)
		r.gracefulTeardown(ctx, prep, store.WorkspaceStatusContainerCrashed)

	case exitCode != 0:
		serr := store.NewStructuredError(store.ErrorTypeContainerCrashed,
			fmt.Sprintf("agent exited with code %d", exitCode),
			map[string]interface{}{"logs": append(stdout.Tail(), stderr.Tail()...)})
		r.failWorkspace(pctx, prep, store.WorkspaceStatusContainerCrashed, serr)
		r.gracefulTeardown(ctx, prep, store.WorkspaceStatusContainerCrashed)

	default:
		r.completeRun(pctx, prep, exitCode)
		r.gracefulTeardown(ctx, prep, store.WorkspaceStatusCompleted)
	}
}

// completeRun records a successful agent exit: workspace completed, the
// contribution upserted, the issue advanced, and an agent-state snapshot
// stored. A zero exit without a detected PR URL still completes; the
// contribution simply stays without one until a webhook or re-run fills it.
func (r *Runner) completeRun(ctx context.Context, prep *preparedRun, exitCode int) {
	ws := prep.workspace

	if err := r.setStatus(ctx, ws.ID, store.WorkspaceStatusCompleted); err != nil {
		r.logger.Error("Failed to mark workspace completed", zap.Int64("workspace_id", ws.ID), zap.Error(err))
	}

	contrib := &store.Contribution{
		AgentRunID: ws.AgentRunID,
		IssueID:    ws.IssueID,
		PRURL:      ws.PRURL,
		BranchName: ws.BranchName,
		Status:     store.ContributionStatusPROpen,
	}
	if ws.PRURL != nil {
		contrib.PRNumber = PRNumberFromURL(*ws.PRURL)
	}
	if err := r.store.UpsertContribution(ctx, contrib); err != nil {
		r.logger.Error("Failed to upsert contribution", zap.Int64("issue_id", ws.IssueID), zap.Error(err))
	} else {
		event := bus.NewEvent(bus.EventContribution, "workspace-runner", map[string]interface{}{
			"contribution_id": contrib.ID,
			"issue_id":        contrib.IssueID,
			"status":          string(contrib.Status),
		})
		if err := r.bus.Publish(ctx, bus.ContributionSubject(contrib.ID), event); err != nil {
			r.logger.Debug("Failed to publish contribution event", zap.Error(err))
		}
	}

	if err := r.store.UpdateIssueStatus(ctx, ws.IssueID, store.IssueStatusPROpen); err != nil {
		r.logger.Warn("Failed to advance issue", zap.Int64("issue_id", ws.IssueID), zap.Error(err))
	}
	if ws.AgentRunID != nil {
		if err := r.store.UpdateAgentRunStatus(ctx, *ws.AgentRunID, store.AgentRunStatusCompleted, nil); err != nil {
			r.logger.Warn("Failed to finish agent run", zap.Error(err))
		}
		r.snapshotAgentState(ctx, *ws.AgentRunID, contrib, ws, exitCode)
	}

	r.logger.Info("Workspace completed",
		zap.Int64("workspace_id", ws.ID),
		zap.String("pr_url", derefString(ws.PRURL)))
}

// snapshotAgentState stores a resumable record of what the run produced.
func (r *Runner) snapshotAgentState(ctx context.Context, agentRunID int64, contrib *store.Contribution, ws *store.Workspace, exitCode int) {
	payload, err := json.Marshal(map[string]interface{}{
		"workspace_id": ws.ID,
		"branch_name":  ws.BranchName,
		"pr_url":       ws.PRURL,
		"exit_code":    exitCode,
	})
	if err != nil {
		return
	}
	state := &store.AgentState{AgentRunID: agentRunID, State: string(payload)}
	if contrib != nil && contrib.ID != 0 {
		state.ContributionID = &contrib.ID
	}
	if err := r.store.CreateAgentState(ctx, state); err != nil {
		r.logger.Warn("Failed to store agent state", zap.Int64("agent_run_id", agentRunID), zap.Error(err))
	}
}

// gracefulTeardown holds the container for the configured grace period so
// late output and operator inspection still have a live target, then tears
// it down. Shutdown cuts the wait short.
func (r *Runner) gracefulTeardown(ctx context.Context, prep *preparedRun, status store.WorkspaceStatus) {
	pctx := context.WithoutCancel(ctx)
	grace := time.Duration(r.store.GetConfigInt(pctx, store.ConfigWorkspaceGraceSeconds, r.cfg.Workspace.GracePeriodSeconds)) * time.Second
	if grace > 0 {
		r.logger.Info("Holding container for grace period",
			zap.Int64("workspace_id", prep.workspace.ID),
			zap.Duration("grace", grace))
		select {
		case <-time.After(grace):
		case <-ctx.Done():
		}
	}
	r.teardown(pctx, prep, status, 10*time.Second)
}

// teardown stops and removes the workspace container and stamps
// destroyed_at, leaving the terminal status untouched. It is a no-op when a
// concurrent destroy already got there.
func (r *Runner) teardown(ctx context.Context, prep *preparedRun, status store.WorkspaceStatus, stopGrace time.Duration) {
	ws, err := r.store.GetWorkspace(ctx, prep.workspace.ID)
	if err != nil {
		r.logger.Error("Failed to reload workspace for teardown", zap.Error(err))
		return
	}
	if ws.DestroyedAt != nil {
		return
	}

	if ws.ContainerID != nil {
		if err := r.engine.StopAndRemove(ctx, *ws.ContainerID, stopGrace); err != nil {
			r.logger.Warn("Failed to remove workspace container",
				zap.Int64("workspace_id", ws.ID),
				zap.String("container_id", *ws.ContainerID),
				zap.Error(err))
		}
	}
	if err := r.store.MarkWorkspaceDestroyed(ctx, ws.ID, status); err != nil {
		r.logger.Error("Failed to mark workspace destroyed", zap.Int64("workspace_id", ws.ID), zap.Error(err))
		return
	}
	r.logger.Info("Workspace container destroyed",
		zap.Int64("workspace_id", ws.ID),
		zap.String("status", string(status)))
}
