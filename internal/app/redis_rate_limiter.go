package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimitDecision is the result of counting one call against a window.
type RateLimitDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter counts calls per subject in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error)
}

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "checkout:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix}
}

// Allow increments the counter for scope/subject. A disabled limiter (no client,
// non-positive limit or window) allows everything.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	allowAll := RateLimitDecision{Allowed: true}
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return allowAll, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return allowAll, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return RateLimitDecision{}, err
	}
	if len(raw) != 2 {
		return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter response length: %d", len(raw))
	}

	count, ttlMs := raw[0], raw[1]
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return RateLimitDecision{
		Allowed:    count <= int64(limit),
		Count:      int(count),
		RetryAfter: retryAfter,
	}, nil
}
