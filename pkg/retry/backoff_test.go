package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleNextDelay(t *testing.T) {
	s := DefaultReconnectSchedule()

	expected := []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
	for i, want := range expected {
		got, ok := s.NextDelay(i)
		require.True(t, ok, "attempt %d should be allowed", i)
		assert.Equal(t, want, got)
	}

	_, ok := s.NextDelay(len(expected))
	assert.False(t, ok, "schedule must be exhausted after the last entry")
	_, ok = s.NextDelay(-1)
	assert.False(t, ok)

	var empty Schedule
	_, ok = empty.NextDelay(0)
	assert.False(t, ok, "an empty schedule disables automatic reconnect")
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Second,
		Multiplier:      2,
	})

	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, 1*time.Second, backoff(10), "interval must be capped")
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          true,
	})
	for i := 0; i < 50; i++ {
		d := backoff(3)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 400*time.Millisecond)
	}
}

func TestBackoffConfigAsPolicy(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2, MaxRetries: 2}
	_, ok := cfg.NextDelay(1)
	assert.True(t, ok)
	_, ok = cfg.NextDelay(2)
	assert.False(t, ok)
}

func TestWithRetry(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 3}

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(context.Background(), func() error {
		calls++
		return errors.New("always")
	}, cfg)
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "after 4 attempts")
}

func TestWithRetryAdvanced_StopError(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 5}
	permanent := errors.New("unauthorized")

	calls := 0
	err := WithRetryAdvanced(context.Background(), func() error {
		calls++
		return Stop(permanent)
	}, cfg)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
	assert.False(t, IsStopError(err), "the unwrapped error is returned")
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := BackoffConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxRetries: 2}

	done := make(chan error, 1)
	go func() {
		done <- WithRetry(ctx, func() error {
			return errors.New("fail")
		}, cfg)
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not observe cancellation")
	}
}
