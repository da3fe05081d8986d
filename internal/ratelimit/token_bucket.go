// Package ratelimit provides the per-connection inbound frame limiter used by
// the signalling WebSocket sessions.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec).
//
// Tokens are tracked as fixed-point nano-tokens (1 token = 1e9 nano-tokens),
// so a rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond
// and no float rounding accumulates across long-lived connections.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64
	last      time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses RealClock.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := tokensToNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// NewPerSecond returns a bucket allowing a burst of n and a sustained n/sec,
// or nil when n <= 0. A nil bucket allows everything.
func NewPerSecond(clock Clock, n int) *TokenBucket {
	if n <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(n), int64(n))
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if !now.After(b.last) {
		// Clock went backwards (or did not move): just re-anchor.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.available >= b.capacity {
		b.available = min(b.available, b.capacity)
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
