// Package ratelimit bounds calls per key (the engagement id) within a time
// window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more call for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Unlimited allows every call.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

// Sliding implements a sliding-window rate limit per key.
type Sliding struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewSliding creates a rate limiter. If limit <= 0, Allow always returns true.
func NewSliding(limit int, window time.Duration) *Sliding {
	if window <= 0 {
		window = time.Minute
	}
	return &Sliding{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow checks whether key is within rate limit. Returns false if exceeded.
func (rl *Sliding) Allow(_ context.Context, key string) (bool, error) {
	if rl.limit <= 0 {
		return true, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Prune old timestamps
	timestamps := rl.counters[key]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= rl.limit {
		rl.counters[key] = pruned
		return false, nil
	}

	rl.counters[key] = append(pruned, now)
	return true, nil
}

// Redis is a fixed-window limiter shared by every gateway instance pointed
// at the same Redis.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter. If limit <= 0, Allow always
// returns true.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: "mcpgate:ratelimit:",
		now:    time.Now,
	}
}

// Allow increments the counter for the current window. The key expires
// with the window.
func (rl *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if rl.limit <= 0 {
		return true, nil
	}
	slot := rl.now().UnixNano() / int64(rl.window)
	k := fmt.Sprintf("%s%s:%d", rl.prefix, key, slot)

	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, rl.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(rl.limit), nil
}
