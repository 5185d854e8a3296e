// Package retry implements the exponential backoff policy used by
// internal/workflowclient's activity retries, which carry the response
// engine's workflow dispatch, on top of github.com/cenkalti/backoff/v5 the
// way kubernaut pulls it in as an indirect dependency of its retry paths.
// No ML or Storage code path calls it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// DefaultPolicy matches the response engine's dispatch retry policy (§4.11):
// initial 100ms, exponential 2x, max 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2.0,
		MaxAttempts:     3,
	}
}

// Do runs fn under the policy's schedule, stopping early on a
// backoff.Permanent error (used for non-retryable categories such as
// Validation/Security per §7) or once MaxAttempts is exhausted.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier

	attempt := 0
	operation := func() (T, error) {
		attempt++
		return fn(ctx, attempt)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
}

// Permanent wraps an error so Do stops retrying immediately, for
// Validation/Security style failures that must never be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
