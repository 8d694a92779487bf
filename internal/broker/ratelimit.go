// ratelimit.go implements token-bucket rate limiting for the KIS open API.
//
// KIS enforces roughly 20 requests per second per app key on the real
// domain (2/s on the paper domain) across all REST endpoints. Separate
// buckets keep a burst of quote reads from starving order placement.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
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

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Every REST call
// waits on its bucket before the HTTP request goes out.
type RateLimiter struct {
	Order *TokenBucket // order-cash, order-rvsecncl
	Quote *TokenBucket // inquire-price, chart, balance
	Rank  *TokenBucket // ranking endpoints (bursty during intraday scans)
}

// NewRateLimiter creates buckets tuned under the 20/s app-key ceiling, with
// orders given the largest share.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(10, 8),
		Quote: NewTokenBucket(10, 8),
		Rank:  NewTokenBucket(5, 3),
	}
}
