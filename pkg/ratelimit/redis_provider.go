package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// counterGrace is added to the window length when setting key expiry so a
// counter never disappears while its window is still live. Stale counters
// self-clean; nothing is ever explicitly deleted.
const counterGrace = time.Minute

// RedisProvider enforces fixed-window quotas with atomic counters in a
// shared Redis. The window id is derived from wall clock truncated to the
// configured granularity and is computed exactly once, at admission time.
type RedisProvider struct {
	client       redis.Cmdable
	defaultLimit int
	window       time.Duration
}

// NewRedisProvider returns the shared-store admission provider.
func NewRedisProvider(client redis.Cmdable, defaultLimit int, window time.Duration) *RedisProvider {
	return &RedisProvider{client: client, defaultLimit: defaultLimit, window: window}
}

func (p *RedisProvider) Name() string { return "redis-fixed-window" }

// Check increments the (user, window) counter and compares against the
// limit. INCR is atomic server-side, so the increment-and-compare has no
// read-then-write race: firing limit+N concurrent checks on an empty
// window admits exactly limit of them.
func (p *RedisProvider) Check(ctx context.Context, rc Context) (*Decision, error) {
	limit := int64(p.defaultLimit)
	if rc.Limit > 0 {
		limit = int64(rc.Limit)
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s:%s", rc.UserID, windowID(now, p.window))
	resetAt := windowEnd(now, p.window)

	pipe := p.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, p.window+counterGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	count := incr.Val()
	if count > limit {
		return &Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
			Provider:   p.Name(),
		}, nil
	}

	return &Decision{
		Allowed:   true,
		Remaining: limit - count,
		Limit:     limit,
		ResetAt:   resetAt,
		Provider:  p.Name(),
	}, nil
}

// Remaining reports the unused quota in the current window without
// consuming a slot. Used for response headers only.
func (p *RedisProvider) Remaining(ctx context.Context, rc Context) (int64, error) {
	limit := int64(p.defaultLimit)
	if rc.Limit > 0 {
		limit = int64(rc.Limit)
	}

	key := fmt.Sprintf("ratelimit:%s:%s", rc.UserID, windowID(time.Now(), p.window))
	count, err := p.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit store: %w", err)
	}
	if count >= limit {
		return 0, nil
	}
	return limit - count, nil
}
