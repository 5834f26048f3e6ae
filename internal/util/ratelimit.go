package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a minimum interval between successive operations.
// Callers reserve the next free slot under the lock and sleep outside it,
// so concurrent waiters queue in arrival order.
type RateLimiter struct {
	interval time.Duration
	next     time.Time
	mu       sync.Mutex
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter that admits one operation per
// interval. The first call proceeds immediately.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		now:      time.Now,
	}
}

// Wait blocks until the caller's slot arrives or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rl.mu.Lock()
	now := rl.now()
	slot := rl.next
	if slot.Before(now) {
		slot = now
	}
	rl.next = slot.Add(rl.interval)
	rl.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
