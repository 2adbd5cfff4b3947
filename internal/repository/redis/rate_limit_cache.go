package redis

import (
	"context"
	"fmt"
	"time"

	"smsup-service/internal/client"
	"smsup-service/internal/model"
	"smsup-service/internal/util"
)

const (
	rateLimitPrefix = "rate_limit:"
	dailyPrefix     = "otp_daily:"
	opTimeout       = 5 * time.Second
)

// fixedWindowScript opens a new window when none exists or the stored one has
// elapsed, otherwise counts the request if the window still has room.
// Returns {allowed, count, window_start_ms}.
const fixedWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local raw = redis.call('HGET', key, 'window_start')
local start = raw and tonumber(raw)
if (not start) or (now - start >= window) then
	redis.call('HSET', key, 'count', 1, 'window_start', now)
	redis.call('PEXPIRE', key, window)
	return {1, 1, now}
end

local count = tonumber(redis.call('HGET', key, 'count')) or 0
if count >= limit then
	return {0, count, start}
end
count = redis.call('HINCRBY', key, 'count', 1)
return {1, count, start}
`

type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// FixedWindow atomically checks and consumes one unit of the window for key.
func (c *RateLimitCache) FixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, model.RateLimitEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	redisKey := rateLimitPrefix + key
	result, err := c.client.Eval(ctx, fixedWindowScript, []string{redisKey},
		now.UnixMilli(), window.Milliseconds(), limit)
	if err != nil {
		util.Error("Failed to execute fixed window rate limit",
			util.String("key", key),
			util.Int("limit", limit),
			util.Duration("window", window),
			util.ErrorField(err))
		return false, model.RateLimitEntry{}, fmt.Errorf("failed to execute fixed window rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, model.RateLimitEntry{}, fmt.Errorf("unexpected result format from fixed window script")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	startMs, _ := values[2].(int64)

	start := time.UnixMilli(startMs)
	entry := model.RateLimitEntry{
		Key:         key,
		Count:       int(count),
		WindowStart: start,
		ExpiresAt:   start.Add(window),
	}

	util.Debug("Fixed window rate limit check",
		util.String("key", key),
		util.Bool("allowed", allowed == 1),
		util.Int("count", entry.Count),
		util.Int("limit", limit))

	return allowed == 1, entry, nil
}

// ResetWindow clears the window for key.
func (c *RateLimitCache) ResetWindow(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}

// IncrementDaily counts one send for phone on the given UTC day. The counter
// expires shortly after the day ends.
func (c *RateLimitCache) IncrementDaily(ctx context.Context, phone, day string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := dailyPrefix + phone + ":" + day
	count, err := c.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment daily send counter",
			util.String("day", day),
			util.ErrorField(err))
		return 0, fmt.Errorf("failed to increment daily send counter: %w", err)
	}
	return int(count), nil
}
