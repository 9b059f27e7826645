package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dispatchKeyPrefix = "circle:dispatch:"

// DispatchGuard reserves payout idempotency keys with SETNX so that two engine
// processes never send the same attempt.
type DispatchGuard struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewDispatchGuard(rdb *goredis.Client, ttl time.Duration) *DispatchGuard {
	return &DispatchGuard{rdb: rdb, ttl: ttl}
}

func (g *DispatchGuard) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, dispatchKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve dispatch key: %w", err)
	}
	return ok, nil
}

func (g *DispatchGuard) Release(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, dispatchKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release dispatch key: %w", err)
	}
	return nil
}
