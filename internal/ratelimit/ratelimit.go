package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/connectias/sandboxcore/internal/sandboxerr"
)

// Limiter enforces the static per-method policy table against a
// (method, pluginID) scoped token bucket. The default backend is
// in-process; passing a non-nil *redis.Client switches to the distributed
// backend so multiple hostd instances share bucket state.
type Limiter struct {
	mem    *memoryStore
	redis  *redisStore
	logger *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRedis selects the distributed Redis-backed bucket store instead of
// the default in-process one.
func WithRedis(client *redis.Client) Option {
	return func(l *Limiter) { l.redis = newRedisStore(client) }
}

func New(logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{mem: newMemoryStore(), logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token from the bucket for (method, pluginID), applying
// both the per-second policy and — when configured — an independent
// per-minute soft cap. It returns a *sandboxerr.Error with code RateLimited
// and RetryAfter set when the call should be rejected.
func (l *Limiter) Allow(ctx context.Context, method, pluginID string) error {
	p := PolicyFor(method)

	key := method
	if p.PerPlugin {
		key = method + "|" + pluginID
	}

	allowed, retryAfter, err := l.consume(ctx, key, p)
	if err != nil {
		return err
	}
	if !allowed {
		l.logger.Debug("rate limited", zap.String("method", method), zap.String("plugin_id", pluginID),
			zap.Duration("retry_after", retryAfter))
		return sandboxerr.NewRateLimited(retryAfter)
	}

	if p.SoftCapPerMinute > 0 {
		minutePolicy := Policy{RatePerSecond: float64(p.SoftCapPerMinute) / 60, Burst: p.SoftCapPerMinute}
		allowed, retryAfter, err := l.consume(ctx, key+"|min", minutePolicy)
		if err != nil {
			return err
		}
		if !allowed {
			l.logger.Debug("soft-cap rate limited", zap.String("method", method), zap.String("plugin_id", pluginID))
			return sandboxerr.NewRateLimited(retryAfter)
		}
	}

	return nil
}

func (l *Limiter) consume(ctx context.Context, key string, p Policy) (bool, time.Duration, error) {
	if l.redis != nil {
		allowed, retryAfter, err := l.redis.consume(ctx, key, p)
		if err != nil {
			return false, 0, fmt.Errorf("ratelimit: %w", err)
		}
		return allowed, retryAfter, nil
	}
	allowed, retryAfter := l.mem.consume(key, p)
	return allowed, retryAfter, nil
}

// GC drops in-process buckets idle longer than InactivityGC. No-op for the
// Redis backend, which relies on key TTLs instead. The Limiter does not
// schedule GC itself; idle buckets stay in memory until a caller invokes it.
func (l *Limiter) GC() {
	if l.redis == nil {
		l.mem.gc(time.Now())
	}
}
