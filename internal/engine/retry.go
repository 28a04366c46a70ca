package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/servicehero/flowd/pkg/schema"
)

// Retry policy defaults applied when a step's policy omits fields.
const (
	DefaultBaseDelay     = time.Second
	DefaultBackoffFactor = 2.0
)

// IsRetryableError classifies whether a failed attempt should be retried.
// Only transient integration errors qualify; integrations mark those
// explicitly (network failures, 5xx, rate limits, per-call timeouts).
// Everything else, including circuit rejections, interpolation failures,
// and untyped errors, fails the step on the spot.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}
	return false
}

// maxAttempts returns the total attempt budget for a step: the policy's
// MaxAttempts, or 1 (no retries) when the policy is absent or nonsensical.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// ComputeBackoff calculates the delay before the given attempt number.
// Attempt 1 is immediate; attempt k waits BaseDelay * BackoffFactor^(k-2),
// randomized by +/- JitterFraction of the computed delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	base := DefaultBaseDelay
	if policy != nil && policy.BaseDelay != "" {
		if d, err := time.ParseDuration(policy.BaseDelay); err == nil && d > 0 {
			base = d
		}
	}

	factor := DefaultBackoffFactor
	if policy != nil && policy.BackoffFactor > 0 {
		factor = policy.BackoffFactor
	}

	delay := time.Duration(float64(base) * math.Pow(factor, float64(attempt-2)))

	if policy != nil && policy.JitterFraction > 0 {
		jitter := policy.JitterFraction
		if jitter > 1 {
			jitter = 1
		}
		// Spread uniformly across [-jitter, +jitter] of the delay.
		offset := (rand.Float64()*2 - 1) * jitter * float64(delay)
		delay += time.Duration(offset)
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled. Cancellation is observed before retry waits start
// and at any point during them.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
