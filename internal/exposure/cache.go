package exposure

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the explicit caching contract the exposure service runs on:
// get-or-compute with a TTL, plus an invalidation path that reprocessing
// calls before recomputing a date it is about to replay.
type Cache interface {
	// GetOrCompute returns the cached exposure for key, or runs fn,
	// stores the result for ttl, and returns it. The second return
	// reports a cache hit.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (Exposure, error)) (Exposure, bool, error)

	// Invalidate drops the entry for key so the next read recomputes.
	Invalidate(ctx context.Context, key string) error
}

// TTLCache is the in-process cache backend. Entries expire by TTL;
// expired entries are swept by a background goroutine.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	stopCh  chan struct{}
}

type ttlEntry struct {
	value   Exposure
	expires time.Time
}

// NewTTLCache creates an in-process TTL cache and starts its sweeper.
func NewTTLCache() *TTLCache {
	c := &TTLCache{
		entries: make(map[string]ttlEntry),
		stopCh:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// GetOrCompute implements Cache.
func (c *TTLCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (Exposure, error)) (Exposure, bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.value, true, nil
	}

	value, err := fn(ctx)
	if err != nil {
		return Exposure{}, false, err
	}

	c.mu.Lock()
	c.entries[key] = ttlEntry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()

	return value, false, nil
}

// Invalidate implements Cache.
func (c *TTLCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Stop shuts down the sweeper goroutine.
func (c *TTLCache) Stop() {
	close(c.stopCh)
}

func (c *TTLCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expires) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// RedisCache is the shared cache backend for deployments where several
// batch processes serve the same portfolios.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a Redis client as an exposure cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "exposure:"}
}

// GetOrCompute implements Cache.
func (c *RedisCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (Exposure, error)) (Exposure, bool, error) {
	full := c.prefix + key

	raw, err := c.client.Get(ctx, full).Bytes()
	if err == nil {
		var cached Exposure
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, true, nil
		}
		// Corrupt entry: fall through and recompute.
	} else if err != redis.Nil {
		return Exposure{}, false, fmt.Errorf("exposure cache get: %w", err)
	}

	value, err := fn(ctx)
	if err != nil {
		return Exposure{}, false, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return Exposure{}, false, fmt.Errorf("exposure cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, full, payload, ttl).Err(); err != nil {
		return Exposure{}, false, fmt.Errorf("exposure cache set: %w", err)
	}

	return value, false, nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("exposure cache invalidate: %w", err)
	}
	return nil
}
