package docker

import (
	"context"
	"fmt"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"go.uber.org/zap"
)

// Labels stamped on every container fixdev creates.
const (
	LabelManaged     = "fixdev.managed"
	LabelWorkspaceID = "fixdev.workspace.id"
)

// ContainerConfig holds configuration for creating a workspace container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string // KEY=VALUE pairs
	WorkingDir  string
	User        string
	Tty         bool
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string
}

// MountConfig holds one bind mount.
type MountConfig struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string // Human-readable status
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Labels     map[string]string
}

// Running reports whether the container process is up.
func (i *ContainerInfo) Running() bool {
	return i.State == "running"
}

// CreateAndStart creates a container and starts it. A start failure removes
// the created container before the error is returned, so no half-started
// container is left behind.
func (c *Client) CreateAndStart(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
		Tty:        cfg.Tty,
		Labels:     cfg.Labels,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
	}

	createCtx, cancel := c.unaryCtx(ctx)
	defer cancel()

	resp, err := c.cli.ContainerCreate(createCtx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		c.logger.Error("Failed to create container", zap.String("name", cfg.Name), zap.Error(err))
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	startCtx, cancelStart := c.unaryCtx(ctx)
	defer cancelStart()

	if err := c.cli.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", zap.String("container_id", resp.ID), zap.Error(err))
		removeCtx, cancelRemove := c.unaryCtx(context.WithoutCancel(ctx))
		defer cancelRemove()
		if removeErr := c.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); removeErr != nil {
			c.logger.Warn("Failed to remove container after start failure",
				zap.String("container_id", resp.ID), zap.Error(removeErr))
		}
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	c.logger.Info("Container started", zap.String("container_id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StopAndRemove stops a container with the given grace period and force
// removes it with its volumes. A container that is already gone is not an
// error.
func (c *Client) StopAndRemove(ctx context.Context, containerID string, grace time.Duration) error {
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("grace", grace),
	)

	stopCtx, cancel := c.unaryCtx(ctx)
	defer cancel()

	graceSeconds := int(grace.Seconds())
	err := c.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &graceSeconds})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		// Force removal below kills the process regardless.
		c.logger.Warn("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
	}

	removeCtx, cancelRemove := c.unaryCtx(ctx)
	defer cancelRemove()

	err = c.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		c.logger.Error("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	c.logger.Info("Container removed", zap.String("container_id", containerID))
	return nil
}

// ContainerExists reports whether the container is known to the daemon,
// distinguishing absence from transport failure.
func (c *Client) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	_, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return true, nil
}

// InspectContainer returns state information about a container.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: inspect.Name,
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		info.State = inspect.State.Status
		info.Status = inspect.State.Status
		info.ExitCode = inspect.State.ExitCode
		if inspect.State.StartedAt != "" {
			if startedAt, parseErr := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); parseErr == nil {
				info.StartedAt = startedAt
			}
		}
		if inspect.State.FinishedAt != "" {
			if finishedAt, parseErr := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); parseErr == nil {
				info.FinishedAt = finishedAt
			}
		}
	}

	return info, nil
}

// ListManagedContainers lists containers carrying fixdev labels, running or
// not. Used by startup reconciliation to find orphans.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ContainerInfo, error) {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=true", LabelManaged))

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}

	return infos, nil
}
