package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts including the first
	BaseDelay         time.Duration // initial backoff
	MaxDelay          time.Duration // cap for every wait, including Retry-After hints
	BackoffMultiplier float64       // exponential backoff factor
	Jitter            bool          // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)

	// Sleep waits between attempts. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultRetryPolicy returns the retry policy used against rate-limited
// endpoints: five attempts, 5s initial backoff doubling up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         5 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay calculates the backoff for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	delay := math.Min(float64(p.BaseDelay)*math.Pow(mult, float64(attempt)), float64(p.MaxDelay))
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64()) // rand in [0,1) -> [0.5, 1.5)
	}
	return time.Duration(delay)
}

// capped bounds d by MaxDelay.
func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Retry executes fn with the configured retry policy.
//
// Non-retryable errors are returned immediately. A rate-limited attempt is
// always followed by a wait (the server's Retry-After hint when present,
// otherwise the current backoff, both capped by MaxDelay); other retryable
// failures wait only when another attempt remains. Once MaxAttempts is
// spent, a *RetriesExhaustedError wrapping the last failure is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: err}}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		lastErr = err

		delay := policy.Delay(attempt)
		var rl *RateLimitError
		rateLimited := errors.As(err, &rl)
		if rateLimited && rl.RetryAfter != nil {
			delay = policy.capped(time.Duration(*rl.RetryAfter * float64(time.Second)))
		}
		if !rateLimited && attempt == attempts-1 {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		policy.sleep(delay)
	}

	return zero, &RetriesExhaustedError{
		SDKError: SDKError{Message: fmt.Sprintf("max retries exceeded after %d attempts", attempts), Cause: lastErr},
		Attempts: attempts,
	}
}
