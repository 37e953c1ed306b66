package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript returns {count, remaining window in ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

const defaultPrefix = "exampilot:ratelimit"

// FixedWindowLimiter limits requests per key in a fixed time window shared
// through Redis by every API replica.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisFixedWindowLimiter creates a limiter with its own Redis client.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewFixedWindowLimiter(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix, limit, window)
}

// NewFixedWindowLimiter creates a limiter on an existing Redis client.
// Windows shorter than a millisecond are rejected.
func NewFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	switch {
	case client == nil:
		return nil, errors.New("rate limiter redis client is required")
	case limit <= 0:
		return nil, fmt.Errorf("rate limiter limit must be positive, got %d", limit)
	case window < time.Millisecond:
		return nil, fmt.Errorf("rate limiter window too short: %s", window)
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = defaultPrefix
	}
	return &FixedWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}, nil
}

// windowKey names the counter of key for the window containing t.
func (l *FixedWindowLimiter) windowKey(key string, t time.Time) string {
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	slot := t.UnixMilli() / l.window.Milliseconds()
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
}

// Allow reports whether key is within quota. When it is not, retryAfter is
// the time left in the current window. Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration) {
	if l == nil {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	counterKey := l.windowKey(key, l.now())
	res, err := fixedWindowScript.Run(ctx, l.client, []string{counterKey}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return false, l.window
	}
	count, ttlMs := res[0], res[1]
	if count <= l.limit {
		return true, 0
	}
	if ttlMs <= 0 {
		return false, l.window
	}
	return false, time.Duration(ttlMs) * time.Millisecond
}
