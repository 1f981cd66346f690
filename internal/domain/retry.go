package domain

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls requeue backoff for failed attempts. An attempt is
// requeued only while the envelope's retry_count is below max_retries and the
// handler's retryable predicate accepts the error.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay computes the backoff before requeueing the given attempt.
// attempt is the retry_count of the attempt that just failed (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter && d > 0 {
		// Full jitter within [d/2, d] keeps retries spread without starving.
		d = d/2 + rand.Float64()*d/2 //nolint:gosec // Weak random is sufficient for jitter.
	}
	return time.Duration(d)
}

// RetryableFunc decides whether an error from a handler warrants a requeue.
// The classification is handler-level policy, not part of the core contract.
type RetryableFunc func(error) bool

// RetryAllTransient is the default predicate: everything is retryable except
// explicit cancellation and invalid input.
func RetryAllTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidArgument) {
		return false
	}
	return true
}
