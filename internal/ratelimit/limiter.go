// Package ratelimit applies a fixed-window request limit per key. The shared
// store is the source of truth; a local cache only remembers recent denials.
package ratelimit

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"smsup-service/internal/config"
	"smsup-service/internal/metrics"
	"smsup-service/internal/model"
	"smsup-service/internal/util"
)

// Store performs the atomic check-and-consume for one key.
type Store interface {
	FixedWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, model.RateLimitEntry, error)
	ResetWindow(ctx context.Context, key string) error
}

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

type Limiter struct {
	store   Store
	limit   int
	window  time.Duration
	denials *expirable.LRU[string, time.Time]
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, cfg config.RateLimitConfig, m *metrics.Metrics, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 || ttl > cfg.Window {
		ttl = cfg.Window
	}
	return &Limiter{
		store:   store,
		limit:   cfg.MaxRequests,
		window:  cfg.Window,
		denials: expirable.NewLRU[string, time.Time](size, nil, ttl),
		metrics: m,
		now:     now,
	}
}

// CheckAndConsume counts one request for key. When the store is unreachable
// the request is allowed and a warning is logged.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string) (Decision, error) {
	now := l.now()

	if until, ok := l.denials.Get(key); ok {
		if now.Before(until) {
			l.metrics.RateLimit("deny_cached")
			return Decision{Allowed: false, Count: l.limit, Limit: l.limit, RetryAfter: until.Sub(now)}, nil
		}
		l.denials.Remove(key)
	}

	allowed, entry, err := l.store.FixedWindow(ctx, key, l.limit, l.window, now)
	if err != nil {
		util.Warn("Rate limiter store unavailable, allowing request",
			util.String("key", key),
			util.ErrorField(err))
		l.metrics.RateLimit("fail_open")
		return Decision{Allowed: true, Limit: l.limit}, nil
	}

	d := Decision{Allowed: allowed, Count: entry.Count, Limit: l.limit}
	if !allowed {
		d.RetryAfter = entry.ExpiresAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		l.denials.Add(key, entry.ExpiresAt)
		l.metrics.RateLimit("deny")
		return d, nil
	}
	l.metrics.RateLimit("allow")
	return d, nil
}

// Reset clears the window for key and any cached denial.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	l.denials.Remove(key)
	return l.store.ResetWindow(ctx, key)
}
