package workspace

import (
	"bytes"
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/store"
)

// logTailLines bounds the in-memory tail kept for crash diagnostics.
const logTailLines = 20

// logSink is an io.Writer that commits complete lines as WorkspaceLog rows.
// The trailing incomplete fragment stays buffered until the next newline or
// Flush; a partial line is never committed. Committing also publishes a bus
// event and feeds the optional per-line hook.
type logSink struct {
	ctx         context.Context
	store       *store.Store
	bus         bus.EventBus
	logger      *logger.Logger
	workspaceID int64
	stream      string
	onLine      func(line string)

	buf  bytes.Buffer
	tail []string
}

func newLogSink(ctx context.Context, st *store.Store, eb bus.EventBus, log *logger.Logger, workspaceID int64, stream string, onLine func(string)) *logSink {
	return &logSink{
		ctx:         ctx,
		store:       st,
		bus:         eb,
		logger:      log,
		workspaceID: workspaceID,
		stream:      stream,
		onLine:      onLine,
	}
}

// Write implements io.Writer. It never fails the stream: a store error is
// logged and the line dropped so the exec keeps draining.
func (s *logSink) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		raw := s.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(raw[:idx]), "\r")
		s.buf.Next(idx + 1)
		s.commit(line)
	}
	return len(p), nil
}

// Flush commits the retained fragment. Called once at stream EOF.
func (s *logSink) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	line := strings.TrimRight(s.buf.String(), "\r")
	s.buf.Reset()
	s.commit(line)
}

// Tail returns the most recent committed lines.
func (s *logSink) Tail() []string {
	return s.tail
}

func (s *logSink) commit(line string) {
	s.tail = append(s.tail, line)
	if len(s.tail) > logTailLines {
		s.tail = s.tail[1:]
	}

	row, err := s.store.AppendWorkspaceLog(s.ctx, s.workspaceID, s.stream, line)
	if err != nil {
		s.logger.Warn("Failed to persist workspace log line",
			zap.Int64("workspace_id", s.workspaceID),
			zap.Error(err))
		return
	}

	event := bus.NewEvent(bus.EventWorkspaceLog, "workspace-runner", map[string]interface{}{
		"workspace_id": s.workspaceID,
		"log_id":       row.ID,
		"stream":       s.stream,
		"line":         line,
	})
	if err := s.bus.Publish(s.ctx, bus.WorkspaceLogSubject(s.workspaceID), event); err != nil {
		s.logger.Debug("Failed to publish log event", zap.Error(err))
	}

	if s.onLine != nil {
		s.onLine(line)
	}
}
