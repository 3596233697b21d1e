// Package ratelimit enforces the per-user sliding-minute message window and
// the per-user concurrent-stream cap (spec.md §5). When REDIS_URL is
// configured the window lives in Redis (INCR+EXPIRE, the way the teacher's
// services use go-redis) so limiter state survives restarts; otherwise an
// in-process window behind the same interface serves single-node setups.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/config"
)

// Limiter gates per-user message intake.
type Limiter interface {
	// AllowMessage checks and consumes one slot in the user's sliding-minute
	// window. A refusal returns a validation error whose reason includes
	// "per minute" (spec.md §8 scenario 6).
	AllowMessage(ctx context.Context, userID int64) error
	// AcquireStream reserves a concurrent-stream slot; the returned release
	// must be called when the stream completes. Nil release on refusal.
	AcquireStream(userID int64) (release func(), err error)
}

// New selects the Redis-backed limiter when a URL is configured, otherwise
// the in-process one.
func New(cfg config.RateLimitConfig) Limiter {
	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
			return &redisLimiter{
				rdb:       redis.NewClient(opts),
				perMinute: perMinute(cfg),
				streams:   newStreamCaps(maxConcurrent(cfg)),
			}
		}
	}
	return &memoryLimiter{
		perMinute: perMinute(cfg),
		window:    map[int64][]time.Time{},
		streams:   newStreamCaps(maxConcurrent(cfg)),
		now:       time.Now,
	}
}

func perMinute(cfg config.RateLimitConfig) int {
	if cfg.MessagesPerMinute <= 0 {
		return 10
	}
	return cfg.MessagesPerMinute
}

func maxConcurrent(cfg config.RateLimitConfig) int {
	if cfg.MaxConcurrent <= 0 {
		return 3
	}
	return cfg.MaxConcurrent
}

func refusal(limit int) error {
	return apperr.Validation(fmt.Sprintf("rate limit exceeded: max %d messages per minute", limit))
}

// streamCaps is the shared per-user concurrent-stream semaphore; it is
// in-process for both limiter flavours since a stream slot dies with the
// process anyway.
type streamCaps struct {
	mu    sync.Mutex
	max   int
	inUse map[int64]int
}

func newStreamCaps(max int) *streamCaps {
	return &streamCaps{max: max, inUse: map[int64]int{}}
}

func (s *streamCaps) acquire(userID int64) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[userID] >= s.max {
		return nil, apperr.Validation(fmt.Sprintf("too many concurrent requests: max %d in flight", s.max))
	}
	s.inUse[userID]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.inUse[userID] > 0 {
				s.inUse[userID]--
			}
		})
	}, nil
}

type memoryLimiter struct {
	perMinute int
	mu        sync.Mutex
	window    map[int64][]time.Time
	streams   *streamCaps
	now       func() time.Time
}

func (l *memoryLimiter) AllowMessage(ctx context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-time.Minute)
	kept := l.window[userID][:0]
	for _, t := range l.window[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.perMinute {
		l.window[userID] = kept
		return refusal(l.perMinute)
	}
	l.window[userID] = append(kept, now)
	return nil
}

func (l *memoryLimiter) AcquireStream(userID int64) (func(), error) {
	return l.streams.acquire(userID)
}

type redisLimiter struct {
	rdb       *redis.Client
	perMinute int
	streams   *streamCaps
}

func (l *redisLimiter) AllowMessage(ctx context.Context, userID int64) error {
	// A minute-bucketed counter: coarser than a true sliding window, but
	// restart-safe and a single round trip.
	key := fmt.Sprintf("remy:rate:%d:%d", userID, time.Now().Unix()/60)
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		// Redis down must not take messaging down with it.
		return nil
	}
	if count == 1 {
		l.rdb.Expire(ctx, key, 2*time.Minute)
	}
	if int(count) > l.perMinute {
		return refusal(l.perMinute)
	}
	return nil
}

func (l *redisLimiter) AcquireStream(userID int64) (func(), error) {
	return l.streams.acquire(userID)
}
