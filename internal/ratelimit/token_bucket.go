package ratelimit

import (
	"sync"
	"time"
)

// Tokens are tracked in fixed point: one token is 1e9 units, so a rate of
// N tokens/sec adds exactly N units per elapsed nanosecond.
const unitsPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket holds up to capacity tokens and refills at rate tokens/sec.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // units
	rate     int64 // tokens/sec == units/ns
	avail    int64 // units
	last     time.Time
}

// NewTokenBucket returns a full bucket. A non-positive capacity denies every
// positive request; a non-positive rate never refills.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	c := toUnits(capacity)
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: c,
		rate:     rate,
		avail:    c,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that steps backwards only moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		if b.avail > b.capacity {
			b.avail = b.capacity
		}
		return
	}

	missing := b.capacity - b.avail
	ns := elapsed.Nanoseconds()
	if ns >= missing/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail += ns * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toUnits(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/unitsPerToken:
		return maxInt64
	default:
		return tokens * unitsPerToken
	}
}
