package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisWindowScript runs the sliding window atomically on a sorted set.
// KEYS[1] = window key
// ARGV[1] = now (unix ms)
// ARGV[2] = span (ms)
// ARGV[3] = limit
// ARGV[4] = member id for this call
// ARGV[5] = 1 to record the call, 0 to only check
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - span)
local count = redis.call("ZCARD", key)
if count >= limit then
    return 0
end
if ARGV[5] == "1" then
    redis.call("ZADD", key, now, ARGV[4])
    redis.call("PEXPIRE", key, span)
end
return 1
`)

// RedisWindow implements Limiter on Redis so every replica sees the same
// window for a session.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindow creates a limiter using client. Keys are "<prefix><key>".
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "helmpay:window:"
	}
	return &RedisWindow{client: client, prefix: prefix}
}

// Admit implements Limiter.
func (r *RedisWindow) Admit(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (bool, error) {
	return r.run(ctx, key, limit, span, now, true)
}

// Peek implements Limiter.
func (r *RedisWindow) Peek(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (bool, error) {
	return r.run(ctx, key, limit, span, now, false)
}

func (r *RedisWindow) run(ctx context.Context, key string, limit int, span time.Duration, now time.Time, record bool) (bool, error) {
	if span <= 0 {
		span = DefaultSpan
	}
	flag := "0"
	if record {
		flag = "1"
	}
	res, err := redisWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), span.Milliseconds(), limit, uuid.NewString(), flag).Int64()
	if err != nil {
		return false, fmt.Errorf("redis window error: %w", err)
	}
	return res == 1, nil
}
