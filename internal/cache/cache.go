package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenCache remembers fingerprints that are known to exist in the store.
// Only positive answers are cached: records are never deleted from the raw
// store, so a cached "seen" can never go stale, while a cached "not seen"
// could mask a record written by another worker.
type SeenCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string) error
}

// InMemoryCache is a concurrent-safe process-local SeenCache. Suitable for
// single-instance deployments and tests.
type InMemoryCache struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewInMemoryCache creates an empty in-memory seen-cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{keys: make(map[string]struct{})}
}

// Seen reports whether key was marked in this process.
func (c *InMemoryCache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, found := c.keys[key]
	return found, nil
}

// MarkSeen records key as existing.
func (c *InMemoryCache) MarkSeen(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = struct{}{}
	return nil
}

// Len returns the number of cached fingerprints.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

const (
	redisKeyPrefix = "etl:seen:"
	redisKeyTTL    = 14 * 24 * time.Hour
)

// RedisCache is a SeenCache shared across pipeline instances. Entries carry a
// TTL purely to bound memory; expiry only costs an extra store lookup.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) MarkSeen(ctx context.Context, key string) error {
	return c.client.Set(ctx, redisKeyPrefix+key, "1", redisKeyTTL).Err()
}
