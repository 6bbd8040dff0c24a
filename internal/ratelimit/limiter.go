package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket admitting at most Capacity requests in a burst and refilling
// at RefillPerSecond. Refill is computed lazily from elapsed time on each call and clamped
// to capacity. Waiters reserve tokens in call order, so concurrent callers are served FIFO.
type Limiter struct {
	limiter  *rate.Limiter
	capacity int
	refill   float64
}

// New creates a limiter with the given burst capacity and refill rate.
// Non-positive values are clamped to one token and one token per second.
func New(capacity int, refillPerSecond float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		refill:   refillPerSecond,
	}
}

// Acquire blocks until one token is available and consumes it.
// It only fails when ctx is done before the token is granted.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Tokens reports the current token balance.
func (l *Limiter) Tokens() float64 {
	return l.limiter.TokensAt(time.Now())
}

// Capacity is the maximum burst size.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// RefillPerSecond is the steady-state admission rate.
func (l *Limiter) RefillPerSecond() float64 {
	return l.refill
}
