// Package ratelimit implements token-bucket rate limiting for the venue
// REST APIs.
//
// Both venues enforce per-category limits measured in requests per window.
// The bucket refills continuously rather than in bursts so sustained
// reconciliation and settlement polling schedule smoothly instead of
// slamming into hard limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
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

// VenueLimiter groups token buckets by REST endpoint category. Every trading
// operation calls the matching bucket's Wait() before the HTTP request.
type VenueLimiter struct {
	Order  *TokenBucket // order placement
	Cancel *TokenBucket // cancels
	Read   *TokenBucket // book/market/position reads
}

// NewKalshiLimiter creates buckets tuned to Kalshi's published basic-tier
// limits (10 writes/sec, 10 reads/sec) with a small burst allowance.
func NewKalshiLimiter() *VenueLimiter {
	return &VenueLimiter{
		Order:  NewTokenBucket(10, 5),
		Cancel: NewTokenBucket(10, 5),
		Read:   NewTokenBucket(20, 10),
	}
}

// NewPolymarketLimiter creates buckets tuned to the Polymarket CLOB limits
// (per 10-second windows; capacities are the burst allowance, rates 1/10th
// for smooth refill).
func NewPolymarketLimiter() *VenueLimiter {
	return &VenueLimiter{
		Order:  NewTokenBucket(350, 50), // 3500 per 10s window
		Cancel: NewTokenBucket(300, 30), // 3000 per 10s window
		Read:   NewTokenBucket(150, 15), // 1500 per 10s window
	}
}
