package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LabelCache is a shared, TTL-bounded cache of per-owner active label
// lists. It lives in redis so horizontally scaled instances see the same
// hint set; a cache miss simply falls through to the dictionary query.
type LabelCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLabelCache wraps a redis client with a fixed TTL. A nil client yields
// a cache that always misses.
func NewLabelCache(rdb *redis.Client, ttl time.Duration) *LabelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LabelCache{rdb: rdb, ttl: ttl}
}

func key(ownerID string) string { return "tagline:hints:" + ownerID }

// Get returns the cached label list for an owner, or ok=false on miss.
func (c *LabelCache) Get(ctx context.Context, ownerID string) ([]string, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key(ownerID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// transient redis trouble is a miss, not a failure
			return nil, false
		}
		return nil, false
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, false
	}
	return labels, true
}

// Set stores the owner's label list under the configured TTL.
func (c *LabelCache) Set(ctx context.Context, ownerID string, labels []string) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key(ownerID), raw, c.ttl).Err()
}

// Invalidate drops the owner's cached labels, called after dictionary writes.
func (c *LabelCache) Invalidate(ctx context.Context, ownerID string) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, key(ownerID)).Err()
}
