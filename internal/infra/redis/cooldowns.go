package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore mirrors credential cooldown deadlines in a sorted set scored
// by the deadline in unix milliseconds, so every process sharing the
// credential table sees the same cooldowns after a restart.
type CooldownStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewCooldownStore creates a Redis-backed cooldown store.
func NewCooldownStore(client *Client) *CooldownStore {
	return &CooldownStore{rdb: client.rdb, now: time.Now}
}

// SetCooldown records the deadline for a credential.
func (s *CooldownStore) SetCooldown(ctx context.Context, id string, until time.Time) error {
	if err := s.rdb.ZAdd(ctx, cooldownKey, redis.Z{
		Score:  float64(until.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Cooldowns returns every deadline still in the future and prunes the rest.
func (s *CooldownStore) Cooldowns(ctx context.Context) (map[string]time.Time, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)

	if err := s.rdb.ZRemRangeByScore(ctx, cooldownKey, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("zremrangebyscore failed: %w", err)
	}

	results, err := s.rdb.ZRangeByScoreWithScores(ctx, cooldownKey, &redis.ZRangeBy{
		Min: "(" + now,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore failed: %w", err)
	}

	out := make(map[string]time.Time, len(results))
	for _, z := range results {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[id] = time.UnixMilli(int64(z.Score))
	}
	return out, nil
}
