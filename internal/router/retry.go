package router

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	fallbackBaseDelay = 2 * time.Second
	jitterPercent     = 30 // ±30% jitter
)

// fallbackEligible reports whether a primary failure should be retried on
// the fallback backend. Timeouts count as ordinary failures; a cancelled
// context means the caller is done, so no fallback.
func fallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// fallbackDelay returns the pause before the fallback attempt, jittered to
// avoid hammering a shared upstream in lockstep.
func fallbackDelay() time.Duration {
	delay := fallbackBaseDelay
	jitter := time.Duration(rand.IntN(int(delay)*jitterPercent*2/100)) - time.Duration(int(delay)*jitterPercent/100)
	return delay + jitter
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
