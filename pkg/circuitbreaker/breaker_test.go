package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/nestlink/pkg/metrics"
)

var errNegotiate = errors.New("negotiate: 503")

func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _ = cb.Execute(func() (any, error) {
			return nil, errNegotiate
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-open",
		Timeout:     time.Minute,
		ReadyToTrip: ConsecutiveFailures(3),
	})

	trip(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	trip(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (any, error) {
		t.Fatal("request must not run while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test-open")))
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test-reset", ReadyToTrip: ConsecutiveFailures(2)})

	trip(t, cb, 1)
	_, err := cb.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	trip(t, cb, 1)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestForceHalfOpenAllowsProbe(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:        "test-force",
		MaxRequests: 1,
		Timeout:     time.Hour,
		ReadyToTrip: ConsecutiveFailures(2),
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	trip(t, cb, 2)
	require.Equal(t, StateOpen, cb.State())

	cb.ForceHalfOpen()
	cb.ForceHalfOpen()
	require.Equal(t, StateHalfOpen, cb.State())

	res, err := cb.Execute(func() (any, error) { return "negotiated", nil })
	require.NoError(t, err)
	assert.Equal(t, "negotiated", res)
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestForceHalfOpenIgnoredWhenClosed(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test-closed"})
	cb.ForceHalfOpen()
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-reopen",
		Timeout:     time.Hour,
		ReadyToTrip: ConsecutiveFailures(1),
	})

	trip(t, cb, 1)
	cb.ForceHalfOpen()
	trip(t, cb, 1)

	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenTimeoutMovesToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-timeout",
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: ConsecutiveFailures(1),
	})

	trip(t, cb, 1)
	require.Equal(t, StateOpen, cb.State())

	assert.Eventually(t, func() bool {
		return cb.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "test-probes",
		MaxRequests: 1,
		Timeout:     time.Hour,
		ReadyToTrip: ConsecutiveFailures(1),
	})
	trip(t, cb, 1)
	cb.ForceHalfOpen()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cb.Execute(func() (any, error) {
			<-release
			return nil, nil
		})
	}()

	assert.Eventually(t, func() bool { return cb.Counts().Requests == 1 }, time.Second, time.Millisecond)
	_, err := cb.Execute(func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	<-done
	assert.Equal(t, StateClosed, cb.State())
}

func TestWrapWithContextPassesContext(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("test-wrap"))
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	err := WrapWithContext(ctx, cb, func(ctx context.Context) error {
		assert.Equal(t, "v", ctx.Value(key{}))
		return errNegotiate
	})
	assert.ErrorIs(t, err, errNegotiate)
}

func TestExecuteWithFallbackOnlyOnBreakerErrors(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test-fallback", Timeout: time.Hour, ReadyToTrip: ConsecutiveFailures(1)})

	_, err := cb.ExecuteWithFallback(
		func() (any, error) { return nil, errNegotiate },
		func(error) (any, error) { return "fallback", nil },
	)
	assert.ErrorIs(t, err, errNegotiate)

	res, err := cb.ExecuteWithFallback(
		func() (any, error) { return nil, nil },
		func(error) (any, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}
