package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModel fails with scripted errors before succeeding.
type stubModel struct {
	errs    []error
	calls   int
	content string
}

func (s *stubModel) Name() string       { return "stub" }
func (s *stubModel) WorkingDir() string { return "" }

func (s *stubModel) Invoke(ctx context.Context, msgs []Message) (Response, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Response{}, err
	}
	return Response{Message: Message{Role: RoleAssistant, Content: s.content}}, nil
}

func (s *stubModel) Stream(ctx context.Context, msgs []Message) (<-chan Chunk, error) {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Content: s.content, Done: true}
	close(ch)
	return ch, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestInvokeWithRetryRecoversTransientFailure(t *testing.T) {
	m := &stubModel{
		errs:    []error{NewError(ReasonRateLimited, "rate limit", nil)},
		content: "ok",
	}
	resp, err := InvokeWithRetry(context.Background(), m, nil, RetryPolicy{MaxRetries: 2, Sleep: noSleep})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, 2, m.calls)
	assert.Equal(t, 1, resp.Meta["retry_attempts"])
}

func TestInvokeWithRetryStopsOnNonRecoverable(t *testing.T) {
	m := &stubModel{errs: []error{NewError(ReasonAuth, "bad key", nil)}}
	_, err := InvokeWithRetry(context.Background(), m, nil, RetryPolicy{MaxRetries: 2, Sleep: noSleep})
	require.Error(t, err)
	assert.Equal(t, 1, m.calls, "non-recoverable errors must not be retried")
	assert.Equal(t, ReasonAuth, ReasonOf(err))
}

func TestInvokeWithRetryExhaustionCarriesHistory(t *testing.T) {
	m := &stubModel{errs: []error{
		NewError(ReasonTimeout, "t1", nil),
		NewError(ReasonOverloaded, "t2", nil),
		NewError(ReasonTimeout, "t3", nil),
	}}
	_, err := InvokeWithRetry(context.Background(), m, nil, RetryPolicy{MaxRetries: 2, Sleep: noSleep})
	require.Error(t, err)
	assert.Equal(t, 3, m.calls)
	assert.Contains(t, err.Error(), "attempt 1: timeout")
	assert.Contains(t, err.Error(), "attempt 2: overloaded")
	assert.Contains(t, err.Error(), "attempt 3: timeout")
	// The original typed error remains unwrappable.
	var ae Error
	assert.True(t, errors.As(err, &ae))
}

func TestInvokeWithRetryBackoffScalesWithAttempt(t *testing.T) {
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	m := &stubModel{errs: []error{
		NewError(ReasonRateLimited, "r1", nil),
		NewError(ReasonRateLimited, "r2", nil),
	}, content: "ok"}
	_, err := InvokeWithRetry(context.Background(), m, nil, RetryPolicy{MaxRetries: 2, Sleep: sleep})
	require.NoError(t, err)
	require.Len(t, delays, 2)
	assert.Equal(t, 5*time.Second, delays[0])
	assert.Equal(t, 10*time.Second, delays[1])
}

func TestInvokeWithRetryHonorsRetryAfter(t *testing.T) {
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	m := &stubModel{
		errs:    []error{NewErrorWithRetryAfter(ReasonRateLimited, "slow down", 30*time.Second)},
		content: "ok",
	}
	_, err := InvokeWithRetry(context.Background(), m, nil, RetryPolicy{MaxRetries: 1, Sleep: sleep})
	require.NoError(t, err)
	require.Len(t, delays, 1)
	assert.Equal(t, 30*time.Second, delays[0])
}

func TestInvokeWithRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &stubModel{errs: []error{NewError(ReasonTimeout, "t", nil)}}
	_, err := InvokeWithRetry(ctx, m, nil, RetryPolicy{MaxRetries: 2, Sleep: noSleep})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
