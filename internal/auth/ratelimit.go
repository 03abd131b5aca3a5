package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window login limiter keyed by "username:remote_ip".
type Limiter interface {
	// Allow records one attempt for key and reports whether it is within
	// the window cap.
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps attempt timestamps in process memory. Used when no
// Redis is configured.
type MemoryLimiter struct {
	window      time.Duration
	maxAttempts int

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemoryLimiter creates an in-process sliding-window limiter.
func NewMemoryLimiter(window time.Duration, maxAttempts int) *MemoryLimiter {
	return &MemoryLimiter{
		window:      window,
		maxAttempts: maxAttempts,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.attempts[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.maxAttempts {
		l.attempts[key] = kept
		return false, nil
	}

	l.attempts[key] = append(kept, now)
	return true, nil
}

// RedisLimiter counts attempts in a Redis sorted set per key, scored by
// timestamp, so the window survives restarts and is shared between
// processes.
type RedisLimiter struct {
	client      *redis.Client
	window      time.Duration
	maxAttempts int
	prefix      string
}

// NewRedisLimiter creates a Redis-backed sliding-window limiter.
func NewRedisLimiter(client *redis.Client, window time.Duration, maxAttempts int) *RedisLimiter {
	return &RedisLimiter{
		client:      client,
		window:      window,
		maxAttempts: maxAttempts,
		prefix:      "pelican:login:",
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-l.window)
	redisKey := l.prefix + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	if count.Val() >= int64(l.maxAttempts) {
		return false, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit record failed: %w", err)
	}

	return true, nil
}
