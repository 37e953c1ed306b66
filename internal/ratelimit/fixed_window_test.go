package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("second request should pass")
	}
	ok, retryAfter := limiter.Allow(ctx, "user-1")
	if ok {
		t.Fatalf("third request should be blocked")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry after: %v", retryAfter)
	}
	if ok, _ := limiter.Allow(ctx, "user-2"); !ok {
		t.Fatalf("other key should have its own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if ok, _ := limiter.Allow(context.Background(), "user-1"); ok {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for nil client")
	}
}

func TestFixedWindowLimiterResetsAtWindowBoundary(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	clock := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	ctx := context.Background()
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("first request should pass")
	}
	if ok, _ := limiter.Allow(ctx, "user-1"); ok {
		t.Fatalf("second request in the same window should be blocked")
	}
	clock = clock.Add(30 * time.Second)
	if ok, _ := limiter.Allow(ctx, "user-1"); !ok {
		t.Fatalf("request in the next window should pass")
	}
	if got, want := limiter.windowKey(" ", clock), "test:ratelimit:unknown:"; got[:len(want)] != want {
		t.Fatalf("windowKey for blank key = %q", got)
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	mr := miniredis.RunT(t)
	for name, tc := range map[string]struct {
		limit  int
		window time.Duration
	}{
		"zero limit":   {0, time.Minute},
		"tiny window":  {1, time.Microsecond},
		"negative win": {1, -time.Second},
	} {
		if _, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "", tc.limit, tc.window); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
