// Package cache provides a Redis-backed cache for indicator search fan-outs.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
)

const keyPrefix = "intelify:search:"

// SearchCache caches SearchAll results in Redis. Empty result sets are
// cached too so repeated lookups of unknown indicators skip the upstream
// fan-out. Redis failures degrade to cache misses.
type SearchCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSearchCache creates a search cache with the given entry TTL.
func NewSearchCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SearchCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SearchCache{client: client, ttl: ttl, logger: logger}
}

// Get retrieves cached hits for a "TYPE:value" key. The second return value
// is false when the key is absent or Redis is unreachable.
func (c *SearchCache) Get(ctx context.Context, key string) ([]intel.Indicator, bool) {
	payload, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Search cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	var hits []intel.Indicator
	if err := json.Unmarshal(payload, &hits); err != nil {
		c.logger.Warn("Search cache entry corrupt, dropping", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, keyPrefix+key)
		return nil, false
	}
	return hits, true
}

// Set stores hits for a key. A nil slice is stored as an empty array so the
// negative result is cacheable.
func (c *SearchCache) Set(ctx context.Context, key string, hits []intel.Indicator) {
	if hits == nil {
		hits = []intel.Indicator{}
	}
	payload, err := json.Marshal(hits)
	if err != nil {
		c.logger.Warn("Search cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, keyPrefix+key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("Search cache write failed", zap.String("key", key), zap.Error(err))
	}
}
