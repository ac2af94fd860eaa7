package domain

import (
	"context"
	"time"
)

// Cache defines the caching and windowed-counter boundary.
// All methods require tenantID for strict multi-tenancy isolation.
// The counter methods are the only concurrently-mutated shared state across
// detection calls; implementations must increment atomically with expiry.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetProfile retrieves a cached profile snapshot. Returns nil, nil on miss.
	GetProfile(ctx context.Context, tenantID string, userID string) (*BehavioralProfile, error)

	// SetProfile caches a profile snapshot.
	SetProfile(ctx context.Context, tenantID string, userID string, profile *BehavioralProfile, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new count. The window TTL starts on first increment.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// AddVolume atomically adds to a windowed float accumulator and returns
	// the new total. Used for per-window volume tracking.
	AddVolume(ctx context.Context, tenantID string, key string, amount float64, window time.Duration) (float64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
