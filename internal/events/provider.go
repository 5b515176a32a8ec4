package events

import (
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
)

// New returns a NATS-backed bus when a URL is configured and an in-memory
// bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		log.Info("No NATS URL configured, using in-memory event bus")
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
