package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry pairs a token-bucket limiter with the last time it was
// touched, so gc can drop entries nobody has used in a while.
type limiterEntry struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newLimiterEntry builds the (method, pluginID)-scoped bucket per Policy,
// mirroring the teacher's WebhookSubscriber.rateLimiter
// (internal/event-hooks/webhook.go), which keys one *rate.Limiter per
// subscription the same way this keys one per bucket key.
func newLimiterEntry(p Policy) *limiterEntry {
	now := time.Now()
	return &limiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(p.RatePerSecond), int(p.Burst)),
		lastSeen: now,
	}
}

// consume reserves one token, returning (allowed, retryAfter). A
// disallowed reservation is canceled immediately so it doesn't consume
// the bucket's future capacity — ReserveN already commits the token in
// its internal state, so Cancel is required to give it back.
func (e *limiterEntry) consume(now time.Time) (bool, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		// Requested burst exceeds the bucket's capacity outright; the
		// caller can never succeed, so report a nominal one-second
		// backoff rather than an infinite one.
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// memoryStore is the default, in-process backend: one rate.Limiter per
// key, GC'd after InactivityGC of disuse.
type memoryStore struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{limiters: make(map[string]*limiterEntry)}
}

func (s *memoryStore) consume(key string, p Policy) (bool, time.Duration) {
	now := time.Now()
	s.mu.Lock()
	e, ok := s.limiters[key]
	if !ok {
		e = newLimiterEntry(p)
		s.limiters[key] = e
	}
	s.mu.Unlock()
	return e.consume(now)
}

// gc drops limiters untouched for longer than InactivityGC.
func (s *memoryStore) gc(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.limiters {
		e.mu.Lock()
		stale := now.Sub(e.lastSeen) > InactivityGC
		e.mu.Unlock()
		if stale {
			delete(s.limiters, k)
		}
	}
}
