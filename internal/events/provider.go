// Package events selects the event bus backend from configuration.
package events

import (
	"fmt"
	"strings"

	"github.com/fixdev/fixdev/internal/common/config"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/events/bus"
)

// Provide returns the configured bus and a cleanup function. A NATS URL
// selects the broker-backed bus; otherwise events stay in-process.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	cleanup := func() error {
		natsBus.Close()
		return nil
	}
	return natsBus, cleanup, nil
}
