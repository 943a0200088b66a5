package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	last := errors.New("still broken")
	var calls int
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return last
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 3, calls)
}

func TestRetryReturnsPermanentErrorsImmediately(t *testing.T) {
	sentinel := errors.New("conflict")
	var calls int
	err := Retry(context.Background(), fastRetryConfig(5), func() error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		func() error {
			calls++
			cancel()
			return errors.New("failing")
		})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, Timeout: time.Minute, HalfOpenMax: 1})
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})
	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })

	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(context.Background(), func() error { return errors.New("still down") })
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerClosedResetsFailureCountOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2, Timeout: time.Minute, HalfOpenMax: 1})
	boom := errors.New("down")

	_ = cb.Execute(context.Background(), func() error { return boom })
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	_ = cb.Execute(context.Background(), func() error { return boom })

	// One failure, one success, one failure: never two consecutive.
	require.Equal(t, StateClosed, cb.State())
}
