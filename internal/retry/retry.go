// Package retry runs an operation again on transient capability failures.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/config"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Retryable decides which errors earn another attempt.
	// Defaults to capability.IsRetryable.
	Retryable func(error) bool
}

// FromConfig builds a Policy from the retry section.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

// OnRetry is told about each failed attempt that will be retried.
type OnRetry func(attempt int, wait time.Duration, err error)

// Do calls op until it succeeds, fails with a non-retryable error, runs
// out of attempts, or ctx ends. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, onRetry OnRetry, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = capability.IsRetryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) || ctx.Err() != nil {
			return err
		}

		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
