package health

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/circuitbreaker"
)

// HealthIntegration wires the checks nestlink cares about into a monitor.
type HealthIntegration struct {
	monitor  *HealthMonitor
	interval time.Duration
}

func NewHealthIntegration(interval time.Duration) *HealthIntegration {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthIntegration{
		monitor:  NewHealthMonitor(),
		interval: interval,
	}
}

func (hi *HealthIntegration) Start(ctx context.Context) {
	hi.monitor.AddStatusCallback(hi.logStatusChange)
	hi.monitor.Start(ctx)
}

func (hi *HealthIntegration) Stop() {
	hi.monitor.Stop()
}

func (hi *HealthIntegration) GetMonitor() *HealthMonitor {
	return hi.monitor
}

// Pinger is implemented by credential stores that can verify their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegisterCredentialStoreCheck checks the credential backend. A session cannot
// authenticate without it, so the check is critical.
func (hi *HealthIntegration) RegisterCredentialStoreCheck(backend string, store Pinger) {
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     "credentials",
		Interval: hi.interval,
		Timeout:  5 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return fmt.Errorf("%s credential store unreachable: %w", backend, err)
			}
			return nil
		},
	})
}

// SessionStateProvider exposes the live session's health to the monitor.
type SessionStateProvider interface {
	// HealthError returns nil while the session is connected or deliberately idle.
	HealthError() error
}

func (hi *HealthIntegration) RegisterSessionCheck(session SessionStateProvider) {
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     "session",
		Interval: hi.interval,
		Timeout:  time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			return session.HealthError()
		},
	})
}

func (hi *HealthIntegration) RegisterCircuitBreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) {
	adapter := NewCircuitBreakerHealthAdapter(breaker, name)
	hi.monitor.RegisterCheck(&HealthCheck{
		Name:     fmt.Sprintf("circuit_breaker_%s", name),
		Interval: hi.interval,
		Timeout:  time.Second,
		Critical: false,
		Check: func(ctx context.Context) error {
			return adapter.Err()
		},
	})
}

func (hi *HealthIntegration) RegisterCustomCheck(check *HealthCheck) {
	hi.monitor.RegisterCheck(check)
}

func (hi *HealthIntegration) logStatusChange(componentName string, status ComponentStatus) {
	switch status {
	case StatusHealthy:
		logger.Info("[HEALTH] component healthy", "component", componentName)
	default:
		logger.Warn("[HEALTH] component not healthy", "component", componentName, "status", string(status))
	}
}

// GetCurrentHealthStatus returns the current health status for all components
func (hi *HealthIntegration) GetCurrentHealthStatus() map[string]ComponentStatus {
	return hi.monitor.GetAllStatuses()
}

// GetOverallStatus returns the overall system health status
func (hi *HealthIntegration) GetOverallStatus() ComponentStatus {
	return hi.monitor.GetOverallStatus()
}

func (hi *HealthIntegration) IsHealthy() bool {
	return hi.monitor.GetOverallStatus() == StatusHealthy
}

func (hi *HealthIntegration) IsUnhealthy() bool {
	status := hi.monitor.GetOverallStatus()
	return status == StatusUnhealthy || status == StatusUnreachable
}
