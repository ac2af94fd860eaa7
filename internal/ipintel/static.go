// Package ipintel provides IP intelligence resolvers.
package ipintel

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// StaticResolver serves intelligence from an in-memory table. Used as the
// Community tier provider and seeded by operators with known-bad ranges.
type StaticResolver struct {
	mu    sync.RWMutex
	table map[string]domain.IPIntel
}

// NewStaticResolver creates a resolver seeded with the given entries.
func NewStaticResolver(seed map[string]domain.IPIntel) *StaticResolver {
	table := make(map[string]domain.IPIntel, len(seed))
	for ip, intel := range seed {
		table[ip] = intel
	}
	return &StaticResolver{table: table}
}

// Resolve returns the seeded intelligence for an IP, or nil, nil when the IP
// is unknown.
func (r *StaticResolver) Resolve(ctx context.Context, ip string) (*domain.IPIntel, error) {
	if ip == "" {
		return nil, fmt.Errorf("ip is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	intel, ok := r.table[ip]
	if !ok {
		return nil, nil
	}
	out := intel
	return &out, nil
}

// Put adds or replaces an entry. Used for operator updates at runtime.
func (r *StaticResolver) Put(ip string, intel domain.IPIntel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[ip] = intel
}

// Close is a no-op for the static resolver.
func (r *StaticResolver) Close() error {
	return nil
}
