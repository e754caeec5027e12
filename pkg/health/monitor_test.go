package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/nestlink/pkg/circuitbreaker"
)

type fakePinger struct {
	err atomic.Value
}

func (p *fakePinger) set(err error) { p.err.Store(&err) }

func (p *fakePinger) Ping(ctx context.Context) error {
	if v, ok := p.err.Load().(*error); ok {
		return *v
	}
	return nil
}

func TestPerformCheckTransitions(t *testing.T) {
	hm := NewHealthMonitor()
	var fail atomic.Bool
	check := &HealthCheck{
		Name:     "credentials",
		Critical: true,
		Check: func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("redis: connection refused")
			}
			return nil
		},
	}
	hm.RegisterCheck(check)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)

	require.True(t, hm.CheckNow("credentials"))
	assert.True(t, hm.IsHealthy("credentials"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())

	fail.Store(true)
	hm.CheckNow("credentials")
	// one failure in two checks reaches the 0.5 threshold
	assert.True(t, hm.IsUnhealthy("credentials"))
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())

	fail.Store(false)
	hm.CheckNow("credentials")
	assert.True(t, hm.IsHealthy("credentials"))
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())

	assert.False(t, hm.CheckNow("missing"))
}

func TestNonCriticalFailureKeepsOverallHealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:  "session",
		Check: func(ctx context.Context) error { return errors.New("disconnected") },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)

	hm.CheckNow("session")
	assert.Equal(t, StatusUnhealthy, func() ComponentStatus { s, _ := hm.GetCheckStatus("session"); return s }())
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestPanickingCheckMarkedUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{
		Name:     "hub",
		Critical: true,
		Check:    func(ctx context.Context) error { panic("boom") },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)

	hm.CheckNow("hub")
	assert.True(t, hm.IsUnhealthy("hub"))

	reports := hm.Reports()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].LastError, "panic: boom")
}

func TestReportsSortedByName(t *testing.T) {
	hi := NewHealthIntegration(time.Hour)
	hi.RegisterCredentialStoreCheck("memory", &fakePinger{})
	hi.RegisterCircuitBreakerCheck("hub_negotiate", circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "hub_negotiate"}))

	reports := hi.GetMonitor().Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "circuit_breaker_hub_negotiate", reports[0].Name)
	assert.Equal(t, "credentials", reports[1].Name)
	assert.True(t, reports[1].Critical)
}

func TestCredentialStoreCheckWrapsError(t *testing.T) {
	pinger := &fakePinger{}
	pinger.set(errors.New("dial tcp: refused"))

	hi := NewHealthIntegration(time.Hour)
	hi.RegisterCredentialStoreCheck("redis", pinger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hi.Start(ctx)
	defer hi.Stop()

	hi.GetMonitor().CheckNow("credentials")
	assert.True(t, hi.IsUnhealthy())
	assert.Contains(t, hi.GetMonitor().Reports()[0].LastError, "redis credential store unreachable")
}

func TestStatusCallbackFires(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(&HealthCheck{Name: "session", Check: func(ctx context.Context) error { return nil }})
	got := make(chan ComponentStatus, 1)
	hm.AddStatusCallback(func(name string, status ComponentStatus) { got <- status })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hm.Start(ctx)
	hm.CheckNow("session")

	select {
	case s := <-got:
		assert.Equal(t, StatusHealthy, s)
	case <-time.After(time.Second):
		t.Fatal("status callback not invoked on first check")
	}
}

func TestCircuitBreakerHealthAdapter(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "adapter",
		Timeout:     time.Hour,
		ReadyToTrip: circuitbreaker.ConsecutiveFailures(2),
	})
	adapter := NewCircuitBreakerHealthAdapter(cb, "adapter")
	assert.Equal(t, StatusHealthy, adapter.GetStatus())
	assert.NoError(t, adapter.Err())

	fail := func() (any, error) { return nil, errors.New("negotiate failed") }
	_, _ = cb.Execute(fail)
	assert.Equal(t, StatusDegraded, adapter.GetStatus())

	_, _ = cb.Execute(fail)
	assert.Equal(t, StatusUnhealthy, adapter.GetStatus())
	assert.ErrorContains(t, adapter.Err(), "is open")

	cb.ForceHalfOpen()
	assert.Equal(t, StatusDegraded, adapter.GetStatus())
}
