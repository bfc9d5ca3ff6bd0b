package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketAllowsUpToCapacityThenBlocks(t *testing.T) {
	tb := NewTokenBucket(3, 1) // 3 burst, 1 token/sec refill

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "fourth immediate request must be throttled")
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1, 1000) // fast refill rate keeps this test quick
	require := assert.New(t)

	require.True(tb.Allow())
	require.False(tb.Allow())

	time.Sleep(5 * time.Millisecond)

	require.True(tb.Allow(), "bucket should have refilled at least one token by now")
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	tb := NewTokenBucket(2, 1000)
	time.Sleep(10 * time.Millisecond) // plenty of time to overfill if uncapped

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "capacity cap must still apply after a long idle period")
}

func TestRateLimiterAllowPerClientIsolation(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	assert.True(t, rl.Allow("client-a"))
	assert.False(t, rl.Allow("client-a"), "client-a exhausted its single burst token")
	assert.True(t, rl.Allow("client-b"), "client-b has its own independent bucket")
}

func TestRateLimiterEmptyClientIDFallsBackToUnknownBucket(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	assert.True(t, rl.Allow(""))
	assert.False(t, rl.Allow(""))
	assert.Equal(t, 1, rl.GetStats().ActiveClients)
}

func TestRateLimiterGetStats(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 5, BurstSize: 10, CleanupInterval: time.Hour})
	defer rl.Stop()
	rl.Allow("a")
	rl.Allow("b")

	stats := rl.GetStats()
	assert.Equal(t, 2, stats.ActiveClients)
	assert.Equal(t, 5, stats.RequestsPerSecond)
	assert.Equal(t, 10, stats.BurstSize)
}

func TestRateLimiterPerformCleanupRemovesInactiveBuckets(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 10, CleanupInterval: time.Hour})
	defer rl.Stop()
	rl.Allow("stale-client")

	rl.mutex.Lock()
	rl.buckets["stale-client"].lastRefill = time.Now().Add(-11 * time.Minute)
	rl.mutex.Unlock()

	rl.performCleanup()

	assert.Equal(t, 0, rl.GetStats().ActiveClients)
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	assert.Equal(t, 10, cfg.RequestsPerSecond)
	assert.Equal(t, 20, cfg.BurstSize)
}

func TestNewRateLimiterFallsBackToDefaultConfig(t *testing.T) {
	rl := NewRateLimiter(nil)
	defer rl.Stop()

	stats := rl.GetStats()
	assert.Equal(t, 10, stats.RequestsPerSecond)
	assert.Equal(t, 20, stats.BurstSize)
}
