package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisRateLimiter_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := NewRedisRateLimiter(client, "checkout:rate_limit:")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision, err := limiter.Allow(ctx, "verify_payment", "cs_1", 3, time.Minute)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !decision.Allowed || decision.Count != i {
			t.Fatalf("call %d: unexpected decision %+v", i, decision)
		}
	}

	decision, err := limiter.Allow(ctx, "verify_payment", "cs_1", 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected fourth call to be limited")
	}
	if decision.RetryAfter != time.Minute {
		t.Fatalf("expected retry after 1m, got %s", decision.RetryAfter)
	}
	if !mr.Exists("checkout:rate_limit:verify_payment:cs_1") {
		t.Fatal("expected counter key with trimmed prefix")
	}

	other, err := limiter.Allow(ctx, "verify_payment", "cs_2", 3, time.Minute)
	if err != nil || !other.Allowed {
		t.Fatalf("expected independent subject to be allowed, got %+v %v", other, err)
	}

	mr.FastForward(61 * time.Second)
	decision, err = limiter.Allow(ctx, "verify_payment", "cs_1", 3, time.Minute)
	if err != nil || !decision.Allowed || decision.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v %v", decision, err)
	}
}

func TestRedisRateLimiter_DisabledAllowsEverything(t *testing.T) {
	var limiter *RedisRateLimiter
	decision, err := limiter.Allow(context.Background(), "scope", "subject", 1, time.Minute)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected nil limiter to allow, got %+v %v", decision, err)
	}
}
