package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New selects the backend by cfg.Type. "memory" is the community tier
// LRU; "redis" is the pro tier, optionally fronted by the LRU when
// two-phase mode is on.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
}

// TwoPhaseCache layers the local LRU in front of Redis. Reads try the
// LRU first and backfill it on a Redis hit; writes go to both with the
// local TTL capped. Velocity counters bypass the local layer entirely,
// a locally cached counter would undercount across nodes.
type TwoPhaseCache struct {
	near *LRUCache
	far  *RedisCache
	// nearTTL caps how stale a local entry may get relative to Redis.
	nearTTL time.Duration
}

// NewTwoPhaseCache builds the layered cache from one config block.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	far, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis layer: %w", err)
	}

	nearTTL := cfg.LocalTTL
	if nearTTL == 0 {
		nearTTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		near:    NewLRUCache(cfg.LocalMaxSize),
		far:     far,
		nearTTL: nearTTL,
	}, nil
}

func (c *TwoPhaseCache) capTTL(ttl time.Duration) time.Duration {
	if ttl < c.nearTTL {
		return ttl
	}
	return c.nearTTL
}

// Get reads near-then-far and backfills the near layer on a far hit.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.near.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.far.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.near.Set(ctx, tenantID, key, val, c.nearTTL)
	}
	return val, nil
}

// Set writes through to both layers.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.near.Set(ctx, tenantID, key, value, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.far.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes the entry from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.near.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.far.Delete(ctx, tenantID, key)
}

// GetProfile reads a profile snapshot near-then-far with backfill.
func (c *TwoPhaseCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	if p, err := c.near.GetProfile(ctx, tenantID, userID); err != nil || p != nil {
		return p, err
	}

	p, err := c.far.GetProfile(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		_ = c.near.SetProfile(ctx, tenantID, userID, p, c.nearTTL)
	}
	return p, nil
}

// SetProfile writes the snapshot through to both layers.
func (c *TwoPhaseCache) SetProfile(ctx context.Context, tenantID string, userID string, profile *domain.BehavioralProfile, ttl time.Duration) error {
	if err := c.near.SetProfile(ctx, tenantID, userID, profile, c.capTTL(ttl)); err != nil {
		return err
	}
	return c.far.SetProfile(ctx, tenantID, userID, profile, ttl)
}

// IncrementCounter goes straight to Redis; window counters must be
// globally consistent.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	return c.far.IncrementCounter(ctx, tenantID, key, window)
}

// AddVolume goes straight to Redis for the same reason as counters.
func (c *TwoPhaseCache) AddVolume(ctx context.Context, tenantID string, key string, amount float64, window time.Duration) (float64, error) {
	return c.far.AddVolume(ctx, tenantID, key, amount, window)
}

// Ping requires both layers to be healthy.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.near.Ping(ctx); err != nil {
		return fmt.Errorf("local layer: %w", err)
	}
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("redis layer: %w", err)
	}
	return nil
}

// Close releases both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.near.Close()
	return c.far.Close()
}

// Stats reports the local layer's size and capacity.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.near.Stats()
}
