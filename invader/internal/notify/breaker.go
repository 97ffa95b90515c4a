package notify

import (
	"sync"
	"time"
)

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
	now           func() time.Time
}

func newCircuitBreaker(threshold int, reset time.Duration, now func() time.Time) *circuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if now == nil {
		now = time.Now
	}
	return &circuitBreaker{threshold: threshold, resetDuration: reset, now: now}
}

// Open reports whether calls should be skipped. An expired breaker closes
// and forgets its failures.
func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if b.now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
