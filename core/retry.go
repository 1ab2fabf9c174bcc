package core

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffScheduler
	// Retryable reports whether err is worth another attempt. Nil retries
	// transient provider errors only.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses WaitWithContext.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// Run calls fn until it succeeds, returns a non retryable error, or the
// attempt budget is spent. A provider Retry-After hint longer than the
// backoff delay wins.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoffScheduler{}
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransientProviderError
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = WaitWithContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}
		delay := backoff.NextDelay(attempt)
		if hint := RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}

func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
