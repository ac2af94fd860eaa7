package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New selects the transport by cfg.Type: "channel" (in-process, the
// community default) or "nats" (pro tier).
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unknown event bus type %q", cfg.Type)
}
