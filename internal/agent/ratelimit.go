package agent

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRateBurst     = 5
	defaultRatePerMinute = 60.0
)

// RateLimiter is a token bucket shared by every completion request of the
// process, so concurrent chats cannot exceed the provider's request budget.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

// NewRateLimiter allows burst requests at once and refills at perMinute.
func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = defaultRateBurst
	}
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		tokens: float64(burst),
		burst:  float64(burst),
		perSec: perMinute / 60,
		last:   time.Now(),
	}
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one.
func (rl *RateLimiter) reserve() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.perSec)
	rl.last = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) / rl.perSec * float64(time.Second)), false
}

// Wait blocks until a request may be made or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait, ok := rl.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
