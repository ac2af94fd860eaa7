package ipintel

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates an IP intelligence resolver based on configuration.
func New(cfg domain.IPIntelConfig) (domain.IPResolver, error) {
	switch cfg.Provider {
	case "static", "":
		return NewStaticResolver(nil), nil

	case "maxmind":
		return NewMaxMindResolver(cfg)

	default:
		return nil, fmt.Errorf("unsupported ip intel provider: %s", cfg.Provider)
	}
}
