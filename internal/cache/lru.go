// Package cache provides the caching layer Kestrel keeps hot state in:
// profile snapshots, generic blobs, and the windowed counters the
// velocity detector reads.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultCapacity = 10000

// LRUCache is the in-process backend: an LRU with per-entry TTL for
// blobs and fixed-window buckets for counters. Single-node only; the
// redis backend covers multi-node deployments.
type LRUCache struct {
	mu       sync.RWMutex
	capacity int
	byKey    map[string]*list.Element
	recency  *list.List // front = most recently used
	windows  map[string]*windowBucket
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time
}

// windowBucket is a fixed-window accumulator. When resetAt passes, the
// next touch starts a fresh window instead of decaying gradually.
type windowBucket struct {
	count   int64
	volume  float64
	resetAt time.Time
}

// NewLRUCache builds a cache holding at most capacity blob entries.
// Window buckets are not counted against capacity; they expire on touch.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &LRUCache{
		capacity: capacity,
		byKey:    make(map[string]*list.Element),
		recency:  list.New(),
		windows:  make(map[string]*windowBucket),
	}
}

// Get returns the cached value, or nil without error on miss/expiry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[tenantID+":"+key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.deadline) {
		c.evict(elem)
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value under (tenantID, key) for ttl, evicting the least
// recently used entries when over capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	scoped := tenantID + ":" + key

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[scoped]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.deadline = time.Now().Add(ttl)
		c.recency.MoveToFront(elem)
		return nil
	}

	c.byKey[scoped] = c.recency.PushFront(&lruEntry{
		key:      scoped,
		value:    value,
		deadline: time.Now().Add(ttl),
	})

	for c.recency.Len() > c.capacity {
		if oldest := c.recency.Back(); oldest != nil {
			c.evict(oldest)
		}
	}
	return nil
}

// Delete removes the entry if present. Missing keys are not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[tenantID+":"+key]; ok {
		c.evict(elem)
	}
	return nil
}

// GetProfile returns a cached profile snapshot, or nil on miss.
func (c *LRUCache) GetProfile(ctx context.Context, tenantID string, userID string) (*domain.BehavioralProfile, error) {
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

// SetProfile stores a profile snapshot for ttl.
func (c *LRUCache) SetProfile(ctx context.Context, tenantID string, userID string, profile *domain.BehavioralProfile, ttl time.Duration) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, "profile:"+userID, raw, ttl)
}

// IncrementCounter bumps the window's count and returns the new total.
// The first touch after expiry opens a new window at 1.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(tenantID+":c:"+key, window)
	b.count++
	return b.count, nil
}

// AddVolume adds amount to the window's running volume and returns the
// new total.
func (c *LRUCache) AddVolume(ctx context.Context, tenantID string, key string, amount float64, window time.Duration) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(tenantID+":v:"+key, window)
	b.volume += amount
	return b.volume, nil
}

// bucket returns the live window for key, rolling over expired ones.
// Caller holds c.mu.
func (c *LRUCache) bucket(key string, window time.Duration) *windowBucket {
	now := time.Now()
	b, ok := c.windows[key]
	if !ok || now.After(b.resetAt) {
		b = &windowBucket{resetAt: now.Add(window)}
		c.windows[key] = b
	}
	return b
}

// Ping always succeeds for the in-process backend.
func (c *LRUCache) Ping(ctx context.Context) error { return nil }

// Close drops all state. The cache is reusable afterwards.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*list.Element)
	c.recency = list.New()
	c.windows = make(map[string]*windowBucket)
	return nil
}

// Stats reports current blob count and configured capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recency.Len(), c.capacity
}

// evict removes elem from both indexes. Caller holds c.mu.
func (c *LRUCache) evict(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.byKey, elem.Value.(*lruEntry).key)
}
