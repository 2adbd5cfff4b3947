package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsup-service/internal/client"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestFixedWindow_RejectsAfterLimitAndResets(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewRateLimitCache(rc)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		ok, entry, err := cache.FixedWindow(ctx, "send:66812345678", 5, 15*time.Minute, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		assert.Equal(t, i, entry.Count)
	}

	ok, entry, err := cache.FixedWindow(ctx, "send:66812345678", 5, 15*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, entry.Count)
	assert.Equal(t, now.Add(time.Second).Add(15*time.Minute).UnixMilli(), entry.ExpiresAt.UnixMilli())

	ok, entry, err = cache.FixedWindow(ctx, "send:66812345678", 5, 15*time.Minute, now.Add(16*time.Minute+time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, entry.Count)
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewRateLimitCache(rc)
	now := time.Now()

	ok, _, err := cache.FixedWindow(context.Background(), "a", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = cache.FixedWindow(context.Background(), "a", 1, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _, err = cache.FixedWindow(context.Background(), "b", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cache.ResetWindow(context.Background(), "a"))
	ok, _, err = cache.FixedWindow(context.Background(), "a", 1, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFixedWindow_SetsExpiry(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewRateLimitCache(rc)

	_, _, err := cache.FixedWindow(context.Background(), "k", 5, 15*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, mr.TTL(rateLimitPrefix+"k"))

	mr.FastForward(16 * time.Minute)
	assert.False(t, mr.Exists(rateLimitPrefix+"k"))
}

func TestFixedWindow_ErrorWhenRedisDown(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewRateLimitCache(rc)
	mr.Close()

	_, _, err := cache.FixedWindow(context.Background(), "k", 5, time.Minute, time.Now())
	assert.Error(t, err)
}

func TestIncrementDaily(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewRateLimitCache(rc)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := cache.IncrementDaily(ctx, "66812345678", "2026-01-01", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := cache.IncrementDaily(ctx, "66812345678", "2026-01-02", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, time.Hour, mr.TTL(dailyPrefix+"66812345678:2026-01-01"))
}

func TestClaimDispatch(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewOTPCache(rc)
	ctx := context.Background()

	first, err := cache.ClaimDispatch(ctx, "66812345678", "123456", "ABC123", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	dup, err := cache.ClaimDispatch(ctx, "66812345678", "123456", "ABC123", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)

	other, err := cache.ClaimDispatch(ctx, "66812345678", "654321", "ABC123", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, other)

	// same code drawn again for a new reference is a different message
	newRef, err := cache.ClaimDispatch(ctx, "66812345678", "123456", "XYZ789", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, newRef)

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "123456")
	}

	require.NoError(t, cache.ReleaseDispatch(ctx, "66812345678", "123456", "ABC123"))
	again, err := cache.ClaimDispatch(ctx, "66812345678", "123456", "ABC123", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, again)

	mr.FastForward(3 * time.Minute)
	expired, err := cache.ClaimDispatch(ctx, "66812345678", "654321", "ABC123", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, expired)
}
