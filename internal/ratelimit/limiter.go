// Package ratelimit throttles unauthenticated public-link traffic with a
// Redis counter shared by every replica.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript counts a hit and returns {count, remaining ms}. The window
// opens on the first hit for a key.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most limit hits per key per window.
type Limiter struct {
	client   *redis.Client
	prefix   string
	limit    int
	window   time.Duration
	failOpen bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailOpen admits requests while Redis is unreachable. The default is
// to refuse them.
func WithFailOpen() Option {
	return func(l *Limiter) { l.failOpen = true }
}

// NewRedisLimiter dials addr and builds a limiter on it.
func NewRedisLimiter(addr, password, prefix string, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return New(redis.NewClient(&redis.Options{Addr: strings.TrimSpace(addr), Password: password}), prefix, limit, window, opts...)
}

// New builds a limiter on an existing client.
func New(client *redis.Client, prefix string, limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	switch {
	case client == nil:
		return nil, errors.New("rate limiter redis client is required")
	case limit <= 0 || window < time.Millisecond:
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "signflow:rl"
	}
	l := &Limiter{client: client, prefix: prefix, limit: limit, window: window}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow counts one hit for key.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := windowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		slog.Warn("rate limiter unavailable", "prefix", l.prefix, "fail_open", l.failOpen, "err", err)
		return Decision{Allowed: l.failOpen, RetryAfter: l.window}
	}
	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	d := Decision{Allowed: count <= int64(l.limit), RetryAfter: ttl}
	if d.Allowed {
		d.Remaining = l.limit - int(count)
	}
	return d
}
