package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript atomically refills and consumes one token from a bucket
// stored as a Redis hash. Adapted from the teacher's
// internal/advanced-rate-limiting consume Lua script, stripped of the
// tenant/priority-weighting machinery this spec has no concept of.
//
// KEYS[1] = bucket key
// ARGV[1] = rate per second
// ARGV[2] = burst capacity
// ARGV[3] = now (unix seconds, float)
// ARGV[4] = ttl seconds for the hash (GC of inactive buckets)
//
// Returns {allowed(0/1), retry_after_ms}
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(burst, tokens + elapsed * rate)
  ts = now
end

local allowed = 0
local retry_after_ms = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  local deficit = 1 - tokens
  retry_after_ms = math.ceil((deficit / rate) * 1000)
end

redis.call("HSET", key, "tokens", tokens, "ts", ts)
redis.call("EXPIRE", key, ttl)

return {allowed, retry_after_ms}
`)

// redisStore is the optional distributed backend for multi-host
// deployments, sharing bucket state across hostd instances via Redis.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client) *redisStore {
	return &redisStore{client: client, ttl: InactivityGC}
}

func (s *redisStore) consume(ctx context.Context, key string, p Policy) (bool, time.Duration, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := consumeScript.Run(ctx, s.client, []string{key},
		p.RatePerSecond, p.Burst, now, int(s.ttl.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis consume: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}

	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	return allowed == 1, time.Duration(retryMs) * time.Millisecond, nil
}
