package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly
// X nano-tokens per elapsed nanosecond. Fixed point avoids float rounding.
const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilling at an integer
// tokens/sec rate from an injected Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity  int64 // nano-tokens
	rate      int64 // tokens/sec (== nano-tokens per nanosecond)
	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	capacity := capacityTokens * nanoPerToken
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      tokensPerSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := n * nanoPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		// Time went backwards or nothing to refill; keep the new reference
		// point so a clock step doesn't grant a burst later.
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		b.available = b.capacity
		return
	}

	// Enough elapsed time to fill the bucket entirely; clamp before the
	// multiplication below can overflow.
	if elapsed.Nanoseconds() >= need/b.rate+1 {
		b.available = b.capacity
		return
	}

	b.available += elapsed.Nanoseconds() * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
