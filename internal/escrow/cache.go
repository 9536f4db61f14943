package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
)

const manifestKeyPrefix = "oracle:manifest:"

// ManifestCache stores raw manifests by task
type ManifestCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// MemoryCache ignores ttl; it backs single-process runs without Redis
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string][]byte)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.data[key]
	return d, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), data...)
	return nil
}

// CachedClient caches manifests in front of another Client. Cache failures
// are logged and fall through to the wrapped client.
type CachedClient struct {
	Client
	cache ManifestCache
	ttl   time.Duration
}

func NewCachedClient(inner Client, cache ManifestCache, ttl time.Duration) *CachedClient {
	return &CachedClient{Client: inner, cache: cache, ttl: ttl}
}

func (c *CachedClient) Manifest(ctx context.Context, key events.TaskKey) (*Manifest, error) {
	cacheKey := manifestKeyPrefix + key.String()

	data, ok, err := c.cache.Get(ctx, cacheKey)
	if err != nil {
		logging.WithContext(ctx).WithTask(key).WithError(err).Warn("manifest cache read failed")
	}
	if ok {
		var m Manifest
		if err := json.Unmarshal(data, &m); err == nil {
			return &m, nil
		}
	}

	m, err := c.Client.Manifest(ctx, key)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := c.cache.Set(ctx, cacheKey, encoded, c.ttl); err != nil {
		logging.WithContext(ctx).WithTask(key).WithError(err).Warn("manifest cache write failed")
	}
	return m, nil
}
