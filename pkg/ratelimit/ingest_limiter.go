// Package ratelimit throttles provider API calls per connection.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter configuration.
type Config struct {
	// Requests allowed per Window for one key.
	Requests int
	Window   time.Duration
	// MaxWait is how long Wait blocks before giving up.
	MaxWait time.Duration
}

// DefaultConfig returns defaults sized for a single mailbox sync.
func DefaultConfig() *Config {
	return &Config{
		Requests: 4,
		Window:   time.Minute,
		MaxWait:  10 * time.Second,
	}
}

// ErrLimited is returned when a key stays over its limit for longer than MaxWait.
var ErrLimited = fmt.Errorf("rate limit exceeded")

// Limiter is a sliding window limiter. With a Redis client the window is shared
// between processes; without one it is kept in memory.
type Limiter struct {
	cfg    *Config
	redis  *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string][]time.Time
	now   func() time.Time
}

// New creates a limiter. client may be nil.
func New(client *redis.Client, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:    cfg,
		redis:  client,
		script: redis.NewScript(slidingWindowScript),
		local:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < max_requests then
	redis.call('ZADD', key, now, now .. '-' .. math.random())
	redis.call('PEXPIRE', key, window_ms * 2)
	return 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
	return -(oldest[2] + window_ms - now)
end
return 0
`

// Allow records one request for key if there is room and otherwise reports how
// long to wait.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis != nil {
		allowed, wait, err := l.allowRedis(ctx, key)
		if err == nil {
			return allowed, wait
		}
		// Redis unavailable: fall through to the local window.
	}
	return l.allowLocal(key)
}

func (l *Limiter) allowRedis(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	result, err := l.script.Run(ctx, l.redis, []string{"ratelimit:" + key},
		now.UnixMilli(),
		now.Add(-l.cfg.Window).UnixMilli(),
		l.cfg.Requests,
		l.cfg.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, 0, err
	}
	if result == 1 {
		return true, 0, nil
	}
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond, nil
	}
	return false, l.cfg.Window, nil
}

func (l *Limiter) allowLocal(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	hits := l.local[key]
	kept := hits[:0]
	for _, h := range hits {
		if h.After(windowStart) {
			kept = append(kept, h)
		}
	}

	if len(kept) < l.cfg.Requests {
		l.local[key] = append(kept, now)
		return true, 0
	}
	l.local[key] = kept
	return false, kept[0].Add(l.cfg.Window).Sub(now)
}

// Wait blocks until key is allowed, ctx is done, or MaxWait would be exceeded.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	deadline := l.now().Add(l.cfg.MaxWait)
	for {
		allowed, wait := l.Allow(ctx, key)
		if allowed {
			return nil
		}
		if l.now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: %s", ErrLimited, key)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
