package events

import (
	"fmt"
	"strings"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events/bus"
)

// ProvidedBus is the bus implementation selected at startup. NATS is non-nil
// only when a NATS URL was configured.
type ProvidedBus struct {
	Bus  bus.EventBus
	NATS *bus.NATSEventBus
}

// Provide picks the bus implementation: NATS when a URL is configured, the
// in-memory bus otherwise. The returned cleanup closes whichever was built.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		cleanup := func() error {
			memBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: memBus}, cleanup, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
	}
	cleanup := func() error {
		natsBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
}
