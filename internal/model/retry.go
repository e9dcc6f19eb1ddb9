package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryPolicy governs how recoverable model failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int

	// Sleep waits for d or returns early with the context error. Tests
	// inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy allows two retries (three attempts total).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Sleep: sleepWithContext}
}

func (p *RetryPolicy) applyDefaults() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Sleep == nil {
		p.Sleep = sleepWithContext
	}
}

// retryBaseDelay returns the per-reason base delay. The delay for attempt
// n (1-indexed) is base × n.
func retryBaseDelay(reason FailureReason) time.Duration {
	switch reason {
	case ReasonRateLimited:
		return 5 * time.Second
	case ReasonOverloaded:
		return 3 * time.Second
	default:
		return 2 * time.Second
	}
}

// InvokeWithRetry calls m.Invoke, retrying recoverable failures with
// reason-specific backoff. Non-recoverable failures return immediately.
// After exhaustion the last error is returned wrapped with the attempt
// history.
func InvokeWithRetry(ctx context.Context, m Model, msgs []Message, policy RetryPolicy) (Response, error) {
	policy.applyDefaults()

	var history []string
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		resp, err := m.Invoke(ctx, msgs)
		if err == nil {
			if attempt > 0 {
				if resp.Meta == nil {
					resp.Meta = map[string]any{}
				}
				resp.Meta["retry_attempts"] = attempt
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}

		reason := ReasonOf(err)
		history = append(history, fmt.Sprintf("attempt %d: %s", attempt+1, reason))
		lastErr = err
		if !reason.Recoverable() || attempt == policy.MaxRetries {
			break
		}

		delay := retryBaseDelay(reason) * time.Duration(attempt+1)
		var ae Error
		if As(err, &ae) && ae.RetryAfter() > delay {
			delay = ae.RetryAfter()
		}
		if serr := policy.Sleep(ctx, delay); serr != nil {
			return Response{}, serr
		}
	}
	return Response{}, fmt.Errorf("model invoke failed (%s): %w", strings.Join(history, "; "), lastErr)
}

// As is errors.As narrowed to the adapter Error interface, kept here so
// callers do not need a second import for the common case.
func As(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
