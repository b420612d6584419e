package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// Stream type bytes in the multiplexed exec protocol.
const (
	streamTypeStdin  = 0
	streamTypeStdout = 1
	streamTypeStderr = 2
)

// ExecConfig holds one exec invocation inside a running container.
type ExecConfig struct {
	Cmd        []string
	User       string
	Env        []string
	WorkingDir string
}

// ExecStream runs a command in a container and streams its multiplexed
// output into the stdout and stderr sinks until the process exits or the
// context ends. The stream lifetime is bounded by the caller's context, not
// the unary deadline: the command may legitimately run for the whole
// workspace timeout. Returns the process exit code.
func (c *Client) ExecStream(ctx context.Context, containerID string, cfg ExecConfig, stdout, stderr io.Writer) (int, error) {
	createCtx, cancel := c.unaryCtx(ctx)
	defer cancel()

	created, err := c.cli.ContainerExecCreate(createCtx, containerID, container.ExecOptions{
		Cmd:          cfg.Cmd,
		User:         cfg.User,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to create exec in container %s: %w", containerID, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return -1, fmt.Errorf("failed to attach to exec %s: %w", created.ID, err)
	}
	defer resp.Close()

	c.logger.Info("Exec started",
		zap.String("container_id", containerID),
		zap.String("exec_id", created.ID),
	)

	demuxErr := demuxStream(resp.Reader, stdout, stderr)
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if demuxErr != nil {
		c.logger.Warn("Exec stream ended unexpectedly",
			zap.String("exec_id", created.ID),
			zap.Error(demuxErr),
		)
	}

	// The exit code is only known after the stream closes. Inspect survives
	// caller cancellation so a finished exec still reports its code.
	inspectCtx, cancelInspect := c.unaryCtx(context.WithoutCancel(ctx))
	defer cancelInspect()

	inspect, err := c.cli.ContainerExecInspect(inspectCtx, created.ID)
	if err != nil {
		if demuxErr != nil {
			return -1, fmt.Errorf("exec stream broke (%v) and inspect failed: %w", demuxErr, err)
		}
		return -1, fmt.Errorf("failed to inspect exec %s: %w", created.ID, err)
	}

	c.logger.Info("Exec finished",
		zap.String("exec_id", created.ID),
		zap.Int("exit_code", inspect.ExitCode),
	)
	return inspect.ExitCode, nil
}

// demuxStream decodes the daemon's multiplexed stream format, routing each
// frame's payload to the stdout or stderr sink. Frame layout: byte 0 stream
// type (1 stdout, 2 stderr, 0 stdin echo, routed to stdout), bytes 1-3
// reserved, bytes 4-7 big-endian payload length, then the payload.
//
// A partial payload at a short read is flushed to the frame's sink before
// the error returns, so output written just before a crash is not lost. A
// clean EOF at a frame boundary is a normal end of stream.
func demuxStream(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading frame header: %w", err)
		}

		sink := stdout
		if header[0] == streamTypeStderr {
			sink = stderr
		}

		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		// CopyN writes through as it reads, so a truncated frame still
		// delivers the bytes that arrived.
		if _, err := io.CopyN(sink, r, int64(size)); err != nil {
			if err == io.EOF {
				return fmt.Errorf("reading frame payload: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("reading frame payload: %w", err)
		}
	}
}
