package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a distributed per-key rate limiter backed by Redis, used to
// bound submission traffic per tenant.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token for key if available. When denied, retryAfter
// estimates how long until a token frees up, for the Retry-After header.
func (b *TokenBucket) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("rate limit script returned %T", res)
	}
	if arr[0].(int64) == 1 {
		return true, 0, nil
	}
	waitMs, _ := arr[1].(int64)
	return false, time.Duration(waitMs) * time.Millisecond, nil
}

// The script refills lazily from elapsed time, then either takes a token or
// reports the wait until the next whole token.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  if refill > 0 then
    wait_ms = math.ceil((1 - tokens) / refill * 1000)
  end
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, wait_ms}
`)
