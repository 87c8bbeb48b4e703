package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a key may submit another request.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// allowScript trims the window, then records the request only if the key is
// still under its limit. Rejected requests do not count against the window.
var allowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= limit then
	return 0
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, math.ceil(window / 1000000) * 2)
return 1
`)

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a sliding-window limiter allowing limit requests
// per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := allowScript.Run(ctx, r.client,
		[]string{"ratelimit:submit:" + key},
		time.Now().UnixNano(),
		r.window.Nanoseconds(),
		r.limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return allowed == 1, nil
}
