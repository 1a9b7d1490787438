package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget is an upstream quota expressed as at most Requests calls within any
// rolling Window.
type Budget struct {
	Requests int
	Window   time.Duration
}

// Validate reports whether the budget describes a usable quota.
func (b Budget) Validate() error {
	if b.Requests <= 0 {
		return fmt.Errorf("budget requests must be positive, got %d", b.Requests)
	}
	if b.Window <= 0 {
		return fmt.Errorf("budget window must be positive, got %s", b.Window)
	}
	return nil
}

// Interval is the spacing between consecutive requests that keeps any window
// of length Window at or below Requests calls.
func (b Budget) Interval() time.Duration { return b.Window / time.Duration(b.Requests) }

func (b Budget) String() string { return fmt.Sprintf("%d/%s", b.Requests, b.Window) }

// RateLimiter provides thread-safe rate limiting with dynamically adjustable limits.
// Requests are spaced evenly with a burst of one, so a caller that honors Wait
// never exceeds its budget in any rolling window.
type RateLimiter struct {
	limiter *rate.Limiter
	budget  Budget
	mu      sync.RWMutex // Protects concurrent access to the limiter
}

// NewRateLimiter creates a RateLimiter enforcing the given budget.
func NewRateLimiter(b Budget) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(b.Interval()), 1),
		budget:  b,
	}
}

// Wait blocks until the rate limiter allows an event or the context is canceled.
// It returns an error if the context is canceled while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.limiter.Wait(ctx)
}

// Budget returns the currently enforced budget.
func (rl *RateLimiter) Budget() Budget {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.budget
}

// UpdateLimits replaces the enforced budget, for example to slow down after
// the upstream explicitly rejected a request for exceeding its quota.
func (rl *RateLimiter) UpdateLimits(b Budget) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.budget = b
	rl.limiter.SetLimit(rate.Every(b.Interval()))
	rl.limiter.SetBurst(1)
}
