package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixdev/fixdev/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func collect(ch chan *Event) func(context.Context, *Event) error {
	return func(_ context.Context, event *Event) error {
		ch <- event
		return nil
	}
}

func TestMemoryEventBusDeliversToSubject(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	received := make(chan *Event, 1)
	sub, err := eb.Subscribe(WorkspaceLogSubject(7), collect(received))
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	sent := NewEvent(EventWorkspaceLog, "workspace-runner", map[string]interface{}{
		"workspace_id": int64(7),
		"line":         "cloning repo",
	})
	require.NoError(t, eb.Publish(context.Background(), WorkspaceLogSubject(7), sent))

	got := waitEvent(t, received)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, EventWorkspaceLog, got.Type)
	assert.Equal(t, "cloning repo", got.Data["line"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestMemoryEventBusSubjectIsolation(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	other := make(chan *Event, 1)
	_, err := eb.Subscribe(WorkspaceLogSubject(8), collect(other))
	require.NoError(t, err)

	event := NewEvent(EventWorkspaceLog, "workspace-runner", nil)
	require.NoError(t, eb.Publish(context.Background(), WorkspaceLogSubject(7), event))

	select {
	case <-other:
		t.Fatal("event leaked to another workspace's subject")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBusWildcardSingleToken(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	statuses := make(chan *Event, 2)
	_, err := eb.Subscribe("workspace.*.status", collect(statuses))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eb.Publish(ctx, WorkspaceStatusSubject(3), NewEvent(EventWorkspaceStatus, "manager", nil)))
	require.NoError(t, eb.Publish(ctx, WorkspaceLogSubject(3), NewEvent(EventWorkspaceLog, "runner", nil)))

	got := waitEvent(t, statuses)
	assert.Equal(t, EventWorkspaceStatus, got.Type)
	select {
	case extra := <-statuses:
		t.Fatalf("wildcard matched the wrong subject: %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBusWildcardTail(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	var matched atomic.Int64
	_, err := eb.Subscribe("workspace.>", func(_ context.Context, _ *Event) error {
		matched.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eb.Publish(ctx, WorkspaceStatusSubject(5), NewEvent(EventWorkspaceStatus, "manager", nil)))
	require.NoError(t, eb.Publish(ctx, WorkspaceLogSubject(5), NewEvent(EventWorkspaceLog, "runner", nil)))
	require.NoError(t, eb.Publish(ctx, ContributionSubject(1), NewEvent(EventContribution, "webhook", nil)))

	require.Eventually(t, func() bool {
		return matched.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), matched.Load(), "contribution subject must not match workspace.>")
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	received := make(chan *Event, 1)
	sub, err := eb.Subscribe(ContributionSubject(4), collect(received))
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, eb.Publish(context.Background(), ContributionSubject(4), NewEvent(EventContribution, "webhook", nil)))
	select {
	case <-received:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	require.True(t, eb.IsConnected())

	eb.Close()
	assert.False(t, eb.IsConnected())

	err := eb.Publish(context.Background(), WorkspaceLogSubject(1), NewEvent(EventWorkspaceLog, "runner", nil))
	assert.Error(t, err)

	_, err = eb.Subscribe(WorkspaceLogSubject(1), func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryEventBusConcurrentPublish(t *testing.T) {
	eb := NewMemoryEventBus(newTestLogger(t))
	defer eb.Close()

	var count atomic.Int64
	_, err := eb.Subscribe(WorkspaceLogSubject(9), func(_ context.Context, _ *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	const publishers = 25
	for i := 0; i < publishers; i++ {
		go func() {
			_ = eb.Publish(context.Background(), WorkspaceLogSubject(9), NewEvent(EventWorkspaceLog, "runner", nil))
		}()
	}

	require.Eventually(t, func() bool {
		return count.Load() == publishers
	}, 2*time.Second, 10*time.Millisecond)
}
