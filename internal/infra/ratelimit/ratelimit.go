// Package ratelimit provides the dual token-bucket limiter and the retry
// backoff schedule used at the embedding-provider boundary.
//
// Two independent buckets are kept: one counting requests per minute, one
// counting (estimated) tokens per minute. Acquire blocks cooperatively until
// both have capacity, then deducts from both. The underlying x/time/rate
// limiters sleep for the computed shortfall rather than busy-looping.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a requests-per-minute and a tokens-per-minute budget.
type Limiter struct {
	req *rate.Limiter
	tok *rate.Limiter
}

// NewLimiter builds a Limiter with the given per-minute budgets. Burst equals
// the per-minute budget so a cold limiter can absorb one minute's worth of
// work immediately, matching the bucket's steady-state capacity.
func NewLimiter(reqPerMin, tokPerMin int) *Limiter {
	if reqPerMin < 1 {
		reqPerMin = 1
	}
	if tokPerMin < 1 {
		tokPerMin = 1
	}
	return &Limiter{
		req: rate.NewLimiter(rate.Limit(float64(reqPerMin)/60.0), reqPerMin),
		tok: rate.NewLimiter(rate.Limit(float64(tokPerMin)/60.0), tokPerMin),
	}
}

// Acquire blocks until reqCost requests and tokCost tokens are available, then
// deducts both. Returns early with the context error on cancellation. A
// tokCost larger than the bucket's burst is clamped to the burst so oversized
// batches degrade to a full-bucket wait instead of erroring forever.
func (l *Limiter) Acquire(ctx context.Context, reqCost, tokCost int) error {
	if reqCost > l.req.Burst() {
		reqCost = l.req.Burst()
	}
	if tokCost > l.tok.Burst() {
		tokCost = l.tok.Burst()
	}
	if err := l.req.WaitN(ctx, reqCost); err != nil {
		return fmt.Errorf("ratelimit: request bucket: %w", err)
	}
	if err := l.tok.WaitN(ctx, tokCost); err != nil {
		return fmt.Errorf("ratelimit: token bucket: %w", err)
	}
	return nil
}

// Backoff computes jittered exponential retry delays:
//
//	delay(attempt) = min(Cap, Base * 2^attempt) * (1 ± Jitter)
//
// The jitter source is seedable so tests can pin the schedule.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction in [0,1); 0.5 scales delays into [0.5x, 1.5x]

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewBackoff returns a Backoff seeded with seed. Base 500ms, cap 20s and
// jitter 0.5 are the defaults applied when zero values are passed.
func NewBackoff(base, cap time.Duration, jitter float64, seed int64) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap <= 0 {
		cap = 20 * time.Second
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0.5
	}
	return &Backoff{
		Base:   base,
		Cap:    cap,
		Jitter: jitter,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// DefaultBackoff returns a Backoff seeded from the clock.
func DefaultBackoff() *Backoff {
	return NewBackoff(0, 0, -1, time.Now().UnixNano())
}

// Delay returns the sleep duration before retry number attempt (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shift overflow guard: beyond 62 doublings everything caps out anyway.
	exp := b.Cap
	if attempt < 62 {
		d := b.Base << uint(attempt)
		if d < b.Cap && d > 0 {
			exp = d
		}
	}

	b.mu.Lock()
	u := b.rnd.Float64()
	b.mu.Unlock()

	// Uniform in [1-Jitter, 1+Jitter).
	scale := 1 - b.Jitter + 2*b.Jitter*u
	return time.Duration(float64(exp) * scale)
}

// Sleep waits Delay(attempt) or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
