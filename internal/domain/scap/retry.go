package scap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
)

// Outcome classifies the result of one upstream call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps an upstream call result to an Outcome. Cancellation is always
// fatal so a stopping run never sleeps through backoff.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}

	var transient *TransientFetchError
	if errors.As(err, &transient) {
		return OutcomeRetryable
	}
	var rejected *RejectedRequestError
	if errors.As(err, &rejected) {
		return OutcomeFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeRetryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}

// Decision is what a caller should do after a failed attempt.
type Decision struct {
	Outcome Outcome
	Retry   bool
	Delay   time.Duration
	// Err is the error to surface when Retry is false.
	Err error
}

// RetryPolicy bounds and paces retries of one logical request. Delays grow
// exponentially from InitialInterval by Multiplier, are jittered by
// RandomizationFactor and have their base capped at MaxInterval.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns the policy used unless configured otherwise.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         20,
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Validate reports whether the policy can be used.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return &ConfigurationError{Field: "retry.max_attempts", Err: fmt.Errorf("must be at least 1, got %d", p.MaxAttempts)}
	case p.InitialInterval <= 0:
		return &ConfigurationError{Field: "retry.initial_interval", Err: fmt.Errorf("must be positive, got %s", p.InitialInterval)}
	case p.MaxInterval < p.InitialInterval:
		return &ConfigurationError{Field: "retry.max_interval", Err: fmt.Errorf("%s is below initial interval %s", p.MaxInterval, p.InitialInterval)}
	case p.Multiplier < 1:
		return &ConfigurationError{Field: "retry.multiplier", Err: fmt.Errorf("must be at least 1, got %v", p.Multiplier)}
	case p.RandomizationFactor < 0 || p.RandomizationFactor >= 1:
		return &ConfigurationError{Field: "retry.randomization_factor", Err: fmt.Errorf("must be in [0, 1), got %v", p.RandomizationFactor)}
	}
	return nil
}

// Delay returns the wait before retry number attempt, where attempt 1 is the
// wait after the first failure.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	for i := 1; i < attempt; i++ {
		b.NextBackOff()
	}
	return b.NextBackOff()
}

// OnFailure decides whether the attempt-th consecutive failure, err, should
// be retried and after what delay.
func (p RetryPolicy) OnFailure(attempt int, err error) Decision {
	outcome := Classify(err)
	switch {
	case outcome == OutcomeSuccess:
		return Decision{Outcome: outcome}
	case outcome == OutcomeFatal:
		return Decision{Outcome: outcome, Err: err}
	case attempt >= p.MaxAttempts:
		return Decision{Outcome: outcome, Err: fmt.Errorf("giving up after %d attempts: %w", attempt, err)}
	default:
		return Decision{Outcome: outcome, Retry: true, Delay: p.Delay(attempt)}
	}
}
