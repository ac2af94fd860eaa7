package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Counter scripts run server-side so increment and expiry are one
// atomic step. A plain INCR+EXPIRE pair can leave an immortal counter
// if the client dies between the two calls.
var (
	incrWithWindow = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return n
	`)

	addVolumeWithWindow = redis.NewScript(`
		local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
		if redis.call('PTTL', KEYS[1]) < 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return total
	`)
)

// RedisCache is the distributed backend: pro tier standalone, or the
// far layer of TwoPhaseCache.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache dials Redis and fails fast if it is unreachable.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", addr, err)
	}

	return &RedisCache{rdb: rdb}, nil
}

// key namespaces everything under "kestrel:" so a shared Redis can
// host other applications.
func key(tenantID, kind, k string) string {
	return "kestrel:" + tenantID + ":" + kind + k
}

// Get returns the value, or nil without error on miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, k string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.rdb.Get(ctx, key(tenantID, "", k)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// Set stores value for ttl.
func (c *RedisCache) Set(ctx context.Context, tenantID string, k string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.rdb.Set(ctx, key(tenantID, "", k), value, ttl).Err()
}

// Delete removes the key; deleting a missing key succeeds.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, k string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.rdb.Del(ctx, key(tenantID, "", k)).Err()
}

// GetProfile returns the cached profile snapshot, or nil on miss.
func (c *RedisCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
	raw, err := c.Get(ctx, tenantID, "profile:"+userID)
	if err != nil || raw == nil {
		return nil, err
	}

	var p domain.BehavioralProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProfile stores the profile snapshot for ttl.
func (c *RedisCache) SetProfile(ctx context.Context, tenantID string, userID string, profile *domain.BehavioralProfile, ttl time.Duration) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, "profile:"+userID, raw, ttl)
}

// IncrementCounter bumps the windowed counter atomically and returns
// the new total; the window TTL is set only on the first increment.
func (c *RedisCache) IncrementCounter(ctx context.Context, tenantID string, k string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	return incrWithWindow.Run(ctx, c.rdb,
		[]string{key(tenantID, "counter:", k)},
		window.Milliseconds(),
	).Int64()
}

// AddVolume accumulates a float total in the window and returns it.
func (c *RedisCache) AddVolume(ctx context.Context, tenantID string, k string, amount float64, window time.Duration) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	return addVolumeWithWindow.Run(ctx, c.rdb,
		[]string{key(tenantID, "volume:", k)},
		amount, window.Milliseconds(),
	).Float64()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client's connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
