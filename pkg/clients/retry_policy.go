package clients

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

// RetryPolicy defines retry behavior with capped exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// RandomizeFactor spreads each delay by +/- the given fraction; 0 disables jitter
	RandomizeFactor float64

	// OnRetry, if set, is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns five attempts starting at one second, doubling, capped at ten seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// ShouldRetry reports whether another attempt should follow the given one.
// attempt counts attempts already made, starting at 1.
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= rp.MaxAttempts {
		return false
	}
	return loadererrors.IsRetryable(err)
}

// Delay returns the wait before the retry that follows the given attempt
// (1-based): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt-1))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Exhaustion returns an error matching
// loadererrors.ErrRetriesExhausted that wraps the last failure.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !loadererrors.IsRetryable(err) {
			return err
		}
		if !rp.ShouldRetry(attempt, err) {
			return loadererrors.Wrapf(err, loadererrors.ErrorTypeRetriesExhausted,
				"retries exhausted after %d attempts", attempt).
				WithDetail("attempts", attempt)
		}

		delay := rp.Delay(attempt)
		if rp.OnRetry != nil {
			rp.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return loadererrors.Wrap(ctx.Err(), loadererrors.ErrorTypeInternal, "retry cancelled")
		case <-timer.C:
		}
	}
}
