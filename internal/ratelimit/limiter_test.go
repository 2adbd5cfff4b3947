package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsup-service/internal/client"
	"smsup-service/internal/config"
	"smsup-service/internal/model"
	redisrepo "smsup-service/internal/repository/redis"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testCfg = config.RateLimitConfig{Window: 15 * time.Minute, MaxRequests: 5, CacheTTL: time.Minute, CacheSize: 100}

func TestLimiter_RedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	clk := &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	l := New(redisrepo.NewRateLimitCache(rc), testCfg, nil, clk.Now)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.CheckAndConsume(ctx, "send:66812345678")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
	}

	d, err := l.CheckAndConsume(ctx, "send:66812345678")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	clk.Advance(15 * time.Minute)
	d, err = l.CheckAndConsume(ctx, "send:66812345678")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

type fakeStore struct {
	calls   int
	resets  []string
	err     error
	allowed bool
	entry   model.RateLimitEntry
}

func (f *fakeStore) ResetWindow(_ context.Context, key string) error {
	f.resets = append(f.resets, key)
	return f.err
}

func (f *fakeStore) FixedWindow(_ context.Context, key string, _ int, _ time.Duration, _ time.Time) (bool, model.RateLimitEntry, error) {
	f.calls++
	return f.allowed, f.entry, f.err
}

func TestLimiter_CachesDenials(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	store := &fakeStore{allowed: false, entry: model.RateLimitEntry{Count: 5, ExpiresAt: clk.t.Add(10 * time.Second)}}
	l := New(store, testCfg, nil, clk.Now)

	d, err := l.CheckAndConsume(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clk.Advance(5 * time.Second)
	d, err = l.CheckAndConsume(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 5*time.Second, d.RetryAfter)
	assert.Equal(t, 1, store.calls, "cached denial must not hit the store")

	clk.Advance(6 * time.Second)
	store.allowed = true
	store.entry = model.RateLimitEntry{Count: 1}
	d, err = l.CheckAndConsume(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, store.calls)
}

func TestLimiter_FailsOpen(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	l := New(store, testCfg, nil, nil)

	for i := 0; i < 10; i++ {
		d, err := l.CheckAndConsume(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestLimiter_ResetDropsCachedDenial(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	store := &fakeStore{allowed: false, entry: model.RateLimitEntry{Count: 5, ExpiresAt: clk.t.Add(time.Minute)}}
	l := New(store, testCfg, nil, clk.Now)

	_, _ = l.CheckAndConsume(context.Background(), "k")
	require.NoError(t, l.Reset(context.Background(), "k"))
	assert.Equal(t, []string{"k"}, store.resets)
	_, _ = l.CheckAndConsume(context.Background(), "k")
	assert.Equal(t, 2, store.calls)
}

func TestLimiter_ResetReopensRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFrom(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	clk := &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	l := New(redisrepo.NewRateLimitCache(rc), testCfg, nil, clk.Now)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.CheckAndConsume(ctx, "otp_send:66812345678")
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, "otp_send:66812345678"))

	d, err := l.CheckAndConsume(ctx, "otp_send:66812345678")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}
