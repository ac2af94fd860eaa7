package ipintel

import (
	"context"
	"fmt"
	"net"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IP intelligence from a MaxMind mmdb file.
// Anonymizer attributes (VPN, proxy, Tor) come from the Anonymous-IP
// database; country-only databases simply yield no anonymizer flags.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the database at the configured path.
func NewMaxMindResolver(cfg domain.IPIntelConfig) (*MaxMindResolver, error) {
	if cfg.MaxMindDBPath == "" {
		return nil, fmt.Errorf("maxmind database path is required")
	}

	reader, err := geoip2.Open(cfg.MaxMindDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open maxmind database: %w", err)
	}

	return &MaxMindResolver{reader: reader}, nil
}

// Resolve looks up an IP. Returns nil, nil when the database has no record,
// so unknown IPs carry no risk.
func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (*domain.IPIntel, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip: %s", ip)
	}

	intel := &domain.IPIntel{}
	found := false

	if country, err := r.reader.Country(parsed); err == nil && country.Country.IsoCode != "" {
		intel.Country = country.Country.IsoCode
		found = true
	}

	// Best effort: only present in Anonymous-IP databases.
	if anon, err := r.reader.AnonymousIP(parsed); err == nil && anon.IsAnonymous {
		intel.IsVPN = anon.IsAnonymousVPN
		intel.IsProxy = anon.IsPublicProxy
		intel.IsTor = anon.IsTorExitNode
		found = true
	}

	if !found {
		return nil, nil
	}
	return intel, nil
}

// Close releases the database handle.
func (r *MaxMindResolver) Close() error {
	return r.reader.Close()
}
