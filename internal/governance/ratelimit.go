package governance

import (
	"sync"
	"time"

	"github.com/polisai/fetchgate/pkg/domain"
)

// RateLimit is a token bucket setting. A zero RequestsPerSecond disables it.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Enabled reports whether the limit constrains anything.
func (r RateLimit) Enabled() bool {
	return r.RequestsPerSecond > 0
}

// RateLimiter keeps one token bucket per factory.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Register installs or reconfigures the bucket of key. A disabled limit
// removes it.
func (rl *RateLimiter) Register(key string, limit RateLimit) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !limit.Enabled() {
		delete(rl.buckets, key)
		return
	}
	if bucket, ok := rl.buckets[key]; ok {
		bucket.configure(limit, rl.now())
		return
	}
	rl.buckets[key] = newTokenBucket(limit, rl.now())
}

// Forget drops the bucket of key.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

// Allow takes one token for key. Keys without a bucket are unlimited.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if !ok {
		return nil
	}
	if !bucket.take(rl.now()) {
		return domain.NewError(domain.ErrResourceExhausted, "request rate exceeded").
			WithDetail("factory", key)
	}
	return nil
}

// RateLimitStats exposes the state of one bucket.
type RateLimitStats struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	Available         float64 `json:"available"`
}

// Stats returns a snapshot per key.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats(now)
	}
	return stats
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(limit RateLimit, now time.Time) *tokenBucket {
	capacity := float64(limit.Burst)
	if capacity <= 0 {
		capacity = limit.RequestsPerSecond
	}
	if capacity < 1 {
		capacity = 1
	}
	return &tokenBucket{
		rate:       limit.RequestsPerSecond,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: now,
	}
}

func (tb *tokenBucket) configure(limit RateLimit, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	fresh := newTokenBucket(limit, now)
	tb.rate = fresh.rate
	tb.capacity = fresh.capacity
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		RequestsPerSecond: tb.rate,
		Burst:             int(tb.capacity),
		Available:         tb.tokens,
	}
}
