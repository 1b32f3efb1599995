package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStatusTTL is used when Config.StatusTTL is zero.
const DefaultStatusTTL = 10 * time.Second

// StatusCache keeps recent status-query answers so repeated polling from the
// UI does not turn into repeated provider calls.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache creates a Redis-backed status cache.
func NewStatusCache(client *Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{rdb: client.rdb, ttl: ttl}
}

// Get returns the cached payload for an operation handle.
func (c *StatusCache) Get(ctx context.Context, handle, credentialID string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, statusKey(handle, credentialID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get failed: %w", err)
	}
	return val, true, nil
}

// Set stores the payload for an operation handle.
func (c *StatusCache) Set(ctx context.Context, handle, credentialID string, data []byte) error {
	if err := c.rdb.Set(ctx, statusKey(handle, credentialID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}
