package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyRateLimiter enforces a fixed one-minute request window per counter key.
// Counters live in Redis so the limit is shared across instances.
type KeyRateLimiter struct {
	redis  *redis.Client
	prefix string
	window time.Duration
}

func NewKeyRateLimiter(redisClient *redis.Client, prefix string) *KeyRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &KeyRateLimiter{
		redis:  redisClient,
		prefix: prefix,
		window: time.Minute,
	}
}

// Allow increments the counter for key and reports whether the request fits
// within limit for the current window. A limit of 0 means unlimited. On
// Redis failure the limiter fails open; availability wins over strictness
// for this check.
func (rl *KeyRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, 0, fmt.Errorf("redis error: %w", err)
	}

	// Only the request that opens the window sets the expiry; refreshing it
	// on every hit would let a steady stream hold the window open forever.
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return true, 0, fmt.Errorf("redis error: %w", err)
		}
	}

	if count <= int64(limit) {
		return true, 0, nil
	}

	retryAfter := rl.window
	if ttl, err := rl.redis.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return false, retryAfter, nil
}

// Remaining reports the unused quota in the current window.
func (rl *KeyRateLimiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.redis.Get(ctx, redisKey).Int()
	if err == redis.Nil {
		return limit, nil
	} else if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
