// Package docker wraps the Docker SDK for workspace container lifecycle:
// image builds from synthesized recipes, container create/start/teardown,
// and multiplexed exec streaming.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"go.uber.org/zap"
)

// Client wraps the Docker client with fixdev's deadline policy: short unary
// calls and a longer build stream, both from config.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client against the resolved daemon socket.
// Non-unix overrides (tcp://, npipe://) are passed through untouched.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	host := cfg.Host
	if host == "" || strings.HasPrefix(host, "unix://") || !strings.Contains(host, "://") {
		path, err := ResolveSocketPath(host)
		if err != nil {
			return nil, err
		}
		host = "unix://" + path
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", host))

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	_, err := c.cli.Ping(ctx)
	if err != nil {
		c.logger.Error("Docker ping failed", zap.Error(err))
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// unaryCtx bounds short daemon requests.
func (c *Client) unaryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.config.UnaryTimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// streamCtx bounds the image build stream.
func (c *Client) streamCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.config.StreamTimeoutDuration()
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
