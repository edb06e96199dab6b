// ============================================================================
// bulkwrite Rate Limiter - token bucket admission control
// ============================================================================
//
// Package: internal/ratelimit
// File: limiter.go
//
// Model:
//   capacity tokens (burst size) refill continuously at refillRate tokens per
//   second. Every permitted request consumes one token.
//
//   tokens = min(capacity, tokens + elapsedSeconds * refillRate)
//
//   The refill runs on every call, so the bucket needs no background goroutine.
//
// Ownership:
//   One Limiter per owner (an orchestrator worker, or an executor queue).
//   Workers never share a bucket, so the aggregate ceiling of a pool is
//   workers x refillRate.
//
// Concurrency:
//   Refill + consume is a single read-modify-write under a mutex, so a
//   Limiter may be used from several goroutines.
//
// ============================================================================

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// minWait keeps Acquire from spinning on sub-millisecond deficits
const minWait = time.Millisecond

// Limiter is a token bucket
type Limiter struct {
	mu         sync.Mutex
	capacity   float64          // max tokens = burst size
	refillRate float64          // tokens per second
	tokens     float64          // current tokens, 0 <= tokens <= capacity
	lastRefill time.Time        // time of the last refill
	now        func() time.Time // clock, replaceable in tests
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a full bucket.
//
// Parameters:
//   - capacity: burst size, raised to 1 when smaller
//   - refillRate: tokens per second, defaults to 1 when not positive
func New(capacity, refillRate float64, opts ...Option) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	l := &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastRefill = l.now()
	return l
}

// NewPerSecond creates a bucket whose burst equals its per-second rate
func NewPerSecond(rate float64, opts ...Option) *Limiter {
	return New(math.Max(1, math.Floor(rate)), rate, opts...)
}

// refillLocked adds the tokens earned since the last refill. Caller holds mu.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.refillRate)
	}
	l.lastRefill = now
}

// deficitLocked is the time until one token is available. Caller holds mu.
func (l *Limiter) deficitLocked() time.Duration {
	if l.tokens >= 1 {
		return 0
	}
	seconds := (1 - l.tokens) / l.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// TryAcquire consumes one token if one is available after refill.
// It never blocks.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Acquire blocks until a token has been consumed or ctx ends.
// It sleeps for the computed deficit and retries, since another goroutine
// may take the refilled token first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := l.deficitLocked()
		l.mu.Unlock()

		if wait < minWait {
			wait = minWait
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

// WaitTime reports how long Acquire would sleep right now, without consuming
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return l.deficitLocked()
}

// Available returns the current token count after refill
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return l.tokens
}

// Capacity returns the burst size
func (l *Limiter) Capacity() float64 {
	return l.capacity
}

// Rate returns the refill rate in tokens per second
func (l *Limiter) Rate() float64 {
	return l.refillRate
}
