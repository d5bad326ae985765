// ratelimit.go implements the shared rate gate every upstream request passes
// through: a continuously-refilling token bucket (grounded on the teacher's
// exchange/ratelimit.go TokenBucket) plus a weighted semaphore bounding
// in-flight concurrency independently of the token rate, per spec.md §5
// ("reservoir 12 tokens/second, refilling 12 per second, max concurrency 6").
package upstream

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter gates every upstream request through a single token bucket and
// a weighted semaphore. Once the reservoir is drained, the refill rate spaces
// grants about 1/refillPerSec apart (~83ms at 12/s); while tokens remain in
// the reservoir, requests are granted with no minimum spacing between them.
// The semaphore caps simultaneous in-flight requests regardless of how many
// tokens are available at once.
type RateLimiter struct {
	bucket *TokenBucket
	sem    *semaphore.Weighted
}

// NewRateLimiter builds the limiter from the reservoir/refill/concurrency
// parameters in config.UpstreamConfig.
func NewRateLimiter(reservoir, refillPerSec float64, maxConcurrency int) *RateLimiter {
	return &RateLimiter{
		bucket: NewTokenBucket(reservoir, refillPerSec),
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Acquire blocks until both a rate-limit token and a concurrency slot are
// available. The returned release func must be called exactly once, however
// the caller's request completes.
func (rl *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := rl.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := rl.bucket.Wait(ctx); err != nil {
		rl.sem.Release(1)
		return nil, err
	}
	return func() { rl.sem.Release(1) }, nil
}
