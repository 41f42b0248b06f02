package dbx

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds an exponential-backoff retry loop: a
// doubling-delay-with-jitter shape driven by whatever predicate the
// caller supplies (telemetryerr.Retryable for this codebase's taxonomy).
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries a handful of times with short delays, suited
// to the transient storage hiccups the ingestion path's upsert can hit
// well within its 30-second end-to-end deadline.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  20 * time.Millisecond,
	MaxDelay:   500 * time.Millisecond,
}

// RetryWithBackoff runs fn until it succeeds, retryable(err) returns
// false, ctx is done, or cfg.MaxRetries is exhausted. It returns the
// number of attempts made and the last error, nil on success.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func() error) (int, error) {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err

		if !retryable(err) {
			return attempt + 1, err
		}

		if attempt == cfg.MaxRetries-1 {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(attempt))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
		if rand.Intn(2) == 0 {
			delay += jitter
		} else {
			delay -= jitter
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		}
	}

	return cfg.MaxRetries, lastErr
}
