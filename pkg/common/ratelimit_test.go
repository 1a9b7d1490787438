package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_Interval(t *testing.T) {
	assert.Equal(t, 6*time.Second, Budget{Requests: 5, Window: 30 * time.Second}.Interval())
	assert.Equal(t, 600*time.Millisecond, Budget{Requests: 50, Window: 30 * time.Second}.Interval())
}

func TestBudget_Validate(t *testing.T) {
	assert.NoError(t, Budget{Requests: 5, Window: time.Second}.Validate())
	assert.Error(t, Budget{Requests: 0, Window: time.Second}.Validate())
	assert.Error(t, Budget{Requests: 5}.Validate())
}

func TestRateLimiter_NeverExceedsBudgetInWindow(t *testing.T) {
	t.Parallel()

	b := Budget{Requests: 4, Window: 200 * time.Millisecond}
	rl := NewRateLimiter(b)
	ctx := context.Background()

	var stamps []time.Time
	for range 9 {
		require.NoError(t, rl.Wait(ctx))
		stamps = append(stamps, time.Now())
	}

	// Any Requests+1 consecutive calls must span at least one full window.
	for i := b.Requests; i < len(stamps); i++ {
		span := stamps[i].Sub(stamps[i-b.Requests])
		assert.GreaterOrEqual(t, span, b.Window-10*time.Millisecond, "calls %d..%d", i-b.Requests, i)
	}
}

func TestRateLimiter_WaitHonorsCancellation(t *testing.T) {
	rl := NewRateLimiter(Budget{Requests: 1, Window: time.Hour})
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	rl := NewRateLimiter(Budget{Requests: 5, Window: 30 * time.Second})
	rl.UpdateLimits(Budget{Requests: 50, Window: 30 * time.Second})
	assert.Equal(t, 50, rl.Budget().Requests)
}
