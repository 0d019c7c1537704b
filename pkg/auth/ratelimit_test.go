package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(t *testing.T) (*KeyRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewKeyRateLimiter(client, "test"), mr
}

func TestKeyRateLimiter_Allow(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retryAfter, err := limiter.Allow(ctx, "apikey:1", 2)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should fit the window", i+1)
		assert.Zero(t, retryAfter)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "apikey:1", 2)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestKeyRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "apikey:1", 1)
	require.NoError(t, err)
	allowed, _, err := limiter.Allow(ctx, "apikey:1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "apikey:2", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "a different key has its own counter")
}

func TestKeyRateLimiter_WindowResets(t *testing.T) {
	limiter, mr := testLimiter(t)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "apikey:1", 1)
	require.NoError(t, err)
	allowed, _, err := limiter.Allow(ctx, "apikey:1", 1)
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(61 * time.Second)

	allowed, _, err = limiter.Allow(ctx, "apikey:1", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "counter should reset after the window expires")
}

func TestKeyRateLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, _, err := limiter.Allow(ctx, "apikey:1", 0)
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestKeyRateLimiter_FailsOpen(t *testing.T) {
	limiter, mr := testLimiter(t)
	mr.Close()

	allowed, _, err := limiter.Allow(context.Background(), "apikey:1", 1)
	assert.Error(t, err)
	assert.True(t, allowed, "redis failure must not lock callers out")
}

func TestKeyRateLimiter_Remaining(t *testing.T) {
	limiter, _ := testLimiter(t)
	ctx := context.Background()

	remaining, err := limiter.Remaining(ctx, "apikey:1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining, "untouched key has full quota")

	for i := 0; i < 3; i++ {
		_, _, err := limiter.Allow(ctx, "apikey:1", 5)
		require.NoError(t, err)
	}

	remaining, err = limiter.Remaining(ctx, "apikey:1", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}
