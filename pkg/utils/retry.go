// pkg/utils/retry.go

package utils

import (
	"context"
	"time"
)

// RetryPolicy is a finite wait-and-retry schedule: Delays[i] is slept before
// attempt i+2. A zero policy runs the operation exactly once.
type RetryPolicy struct {
	Delays []time.Duration
	// Retryable decides whether an error deserves another attempt. Nil means
	// every error is retried.
	Retryable func(err error) bool
}

// ExponentialBackoff returns the schedule initial, 2*initial, 4*initial, ...
// capped at max, with the given number of retries.
func ExponentialBackoff(initial, max time.Duration, retries int) []time.Duration {
	delays := make([]time.Duration, 0, retries)
	for attempt := 1; attempt <= retries; attempt++ {
		delay := initial * time.Duration(1<<uint(attempt-1))
		if delay > max || delay <= 0 {
			delay = max
		}
		delays = append(delays, delay)
	}
	return delays
}

// Attempts returns the maximum number of times Do invokes the operation.
func (p RetryPolicy) Attempts() int {
	return len(p.Delays) + 1
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// scheduled delays or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt > len(p.Delays) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		t := time.NewTimer(p.Delays[attempt-1])
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}
