// Package retry provides an exponential-backoff retry policy usable around
// any operation: connection builds, probes, queries, extraction batches.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior. Waits between attempts grow as
// InitialDelay * Multiplier^attempt, capped by MaxDelay when it is set and
// jittered by RandomizeFactor when it is positive.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NotifyFunc observes a failed attempt before the policy waits. attempt is
// zero-based; delay is the wait that follows. The terminal failure is not
// reported here, it is returned from Execute.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// New creates a policy with exponential backoff and the default cap and
// jitter.
func New(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Default returns a sensible general-purpose policy.
func Default() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Backoff returns a deterministic policy whose waits are exactly
// factor^attempt seconds, the shape used by the exception handler's retry
// wrapper and the connection probe.
func Backoff(maxAttempts int, factor float64) *Policy {
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 1 * time.Second,
		Multiplier:   factor,
	}
}

// None returns a policy that does not retry.
func None() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Execute runs fn until it succeeds or MaxAttempts is reached.
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteNotify(ctx, fn, nil, nil)
}

// ExecuteWithCondition runs fn with retries only while shouldRetry accepts
// the failure; a rejected failure is returned immediately.
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	return p.ExecuteNotify(ctx, fn, shouldRetry, nil)
}

// ExecuteNotify runs fn with retries, invoking notify before each wait.
// shouldRetry and notify may be nil. The terminal failure is wrapped with the
// attempt count; the original error remains reachable through the chain.
func (p *Policy) ExecuteNotify(ctx context.Context, fn func() error, shouldRetry func(error) bool, notify NotifyFunc) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt.
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.calculateDelay(attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// ExecuteValue runs fn with the policy and returns its value. On terminal
// failure the zero value is returned together with the wrapped error.
func ExecuteValue[T any](ctx context.Context, p *Policy, fn func() (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// calculateDelay calculates the wait for a given zero-based attempt.
func (p *Policy) calculateDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay))
	}

	return time.Duration(delay)
}

// GetDelay returns the wait for a specific attempt, for previews and tests.
func (p *Policy) GetDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt)
}

// Clone creates a copy of the policy.
func (p *Policy) Clone() *Policy {
	return &Policy{
		MaxAttempts:     p.MaxAttempts,
		InitialDelay:    p.InitialDelay,
		MaxDelay:        p.MaxDelay,
		Multiplier:      p.Multiplier,
		RandomizeFactor: p.RandomizeFactor,
	}
}

// WithMaxAttempts returns a new policy with updated max attempts.
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	policy := p.Clone()
	policy.MaxAttempts = attempts
	return policy
}

// WithDelay returns a new policy with updated delays.
func (p *Policy) WithDelay(initial, max time.Duration) *Policy {
	policy := p.Clone()
	policy.InitialDelay = initial
	policy.MaxDelay = max
	return policy
}

// WithMultiplier returns a new policy with an updated multiplier.
func (p *Policy) WithMultiplier(multiplier float64) *Policy {
	policy := p.Clone()
	policy.Multiplier = multiplier
	return policy
}

// WithRandomization returns a new policy with updated jitter.
func (p *Policy) WithRandomization(factor float64) *Policy {
	policy := p.Clone()
	policy.RandomizeFactor = factor
	return policy
}
