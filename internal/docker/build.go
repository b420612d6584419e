package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"go.uber.org/zap"
)

// buildTailLines is how many progress lines a BuildError carries.
const buildTailLines = 100

// BuildError is returned when the daemon reports a build failure. Tail holds
// the last progress lines seen before the failure.
type BuildError struct {
	Message string
	Tail    []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image build failed: %s", e.Message)
}

// BuildImage builds an image from a recipe (Dockerfile text) and tags it.
// The recipe is wrapped as a single-file tar context; daemon progress lines
// are fed to the progress sink as they arrive. Returns the built image id
// (the tag when the daemon does not report one).
func (c *Client) BuildImage(ctx context.Context, recipe, tag string, progress func(line string)) (string, error) {
	c.logger.Info("Building image", zap.String("tag", tag))

	ctx, cancel := c.streamCtx(ctx)
	defer cancel()

	buildContext, err := recipeTar(recipe)
	if err != nil {
		return "", fmt.Errorf("failed to prepare build context: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		c.logger.Error("Failed to start image build", zap.String("tag", tag), zap.Error(err))
		return "", fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	imageID, tail, err := parseBuildStream(resp.Body, progress)
	if err != nil {
		c.logger.Error("Image build failed", zap.String("tag", tag), zap.Error(err))
		return "", &BuildError{Message: err.Error(), Tail: tail}
	}

	if imageID == "" {
		// The legacy builder reports no aux record; the tag is the usable
		// reference either way.
		imageID = tag
	}

	c.logger.Info("Image built", zap.String("tag", tag), zap.String("image_id", imageID))
	return imageID, nil
}

// recipeTar wraps a Dockerfile body as an uncompressed single-entry tar.
func recipeTar(recipe string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(recipe))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(recipe)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// buildMessage is one NDJSON record of the daemon's build progress stream.
type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux json.RawMessage `json:"aux"`
}

// parseBuildStream consumes the daemon's NDJSON build progress. Progress
// lines go to the sink and into a bounded tail; an error record fails the
// build regardless of earlier output. Returns the image id from the aux
// record when the builder emits one.
func parseBuildStream(r io.Reader, progress func(line string)) (string, []string, error) {
	var (
		imageID string
		tail    []string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var msg buildMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Tolerate the odd malformed record rather than failing a build
			// that the daemon considers fine.
			continue
		}

		if msg.ErrorDetail != nil && msg.ErrorDetail.Message != "" {
			return imageID, tail, fmt.Errorf("%s", msg.ErrorDetail.Message)
		}
		if msg.Error != "" {
			return imageID, tail, fmt.Errorf("%s", msg.Error)
		}

		if msg.Stream != "" {
			line := strings.TrimRight(msg.Stream, "\n")
			if line != "" {
				if len(tail) == buildTailLines {
					tail = tail[1:]
				}
				tail = append(tail, line)
				if progress != nil {
					progress(line)
				}
			}
		}

		if len(msg.Aux) > 0 {
			var aux struct {
				ID string `json:"ID"`
			}
			if err := json.Unmarshal(msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return imageID, tail, fmt.Errorf("reading build stream: %w", err)
	}
	return imageID, tail, nil
}
