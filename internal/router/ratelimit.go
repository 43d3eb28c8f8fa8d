package router

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window cap on outbound calls.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	calls  []time.Time
}

// newRateLimiter caps calls per minute. maxPerMinute <= 0 disables limiting.
func newRateLimiter(maxPerMinute int) *rateLimiter {
	return &rateLimiter{
		window: time.Minute,
		max:    maxPerMinute,
	}
}

// Wait blocks until a call slot opens or ctx is cancelled, then claims
// the slot.
func (rl *rateLimiter) Wait(ctx context.Context) error {
	if rl.max <= 0 {
		return nil
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-rl.window)
		kept := rl.calls[:0]
		for _, t := range rl.calls {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		rl.calls = kept

		if len(rl.calls) < rl.max {
			rl.calls = append(rl.calls, now)
			rl.mu.Unlock()
			return nil
		}
		wait := rl.calls[0].Add(rl.window).Sub(now)
		rl.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
}
