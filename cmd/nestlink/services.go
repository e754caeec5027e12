package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/credentials"
	"github.com/migadu/nestlink/hub"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/health"
	"github.com/migadu/nestlink/session"
)

const sessionCloseTimeout = 10 * time.Second

// services holds everything main starts and must release.
type services struct {
	store   credentials.ReadWriteStore
	session *session.Session
	health  *health.HealthIntegration

	closeOnce sync.Once
}

func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	store, err := credentials.Open(ctx, cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	deps := &services{store: store}

	poller, err := credentials.NewPollerFromConfig(store, cfg.Credentials)
	if err != nil {
		deps.close()
		return nil, err
	}

	breaker, err := hub.NewNegotiateBreaker(cfg.Hub.Breaker)
	if err != nil {
		deps.close()
		return nil, err
	}
	dialer, err := session.NewHubDialer(cfg.Hub, breaker)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("hub dialer: %w", err)
	}

	var interval time.Duration
	if cfg.Health.Enabled {
		if interval, err = cfg.Health.GetCheckInterval(); err != nil {
			deps.close()
			return nil, fmt.Errorf("invalid health.check_interval: %w", err)
		}
	}

	opts, err := session.OptionsFromConfig(cfg.Session, dialer, poller)
	if err != nil {
		deps.close()
		return nil, err
	}
	deps.session, err = session.New(opts)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	if cfg.Health.Enabled {
		deps.health = health.NewHealthIntegration(interval)
		deps.health.RegisterCredentialStoreCheck(cfg.Credentials.Backend, store)
		deps.health.RegisterSessionCheck(deps.session)
		deps.health.RegisterCircuitBreakerCheck("hub_negotiate", breaker)
		deps.health.Start(ctx)
		logger.Info("[HEALTH] monitoring started", "interval", interval)
	}

	return deps, nil
}

// shutdown closes the session within timeout and then releases the rest.
func (s *services) shutdown(timeout time.Duration) {
	if s.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.session.Close(ctx); err != nil {
			logger.Warn("[SESSION] close did not finish", "error", err)
		}
	}
	s.close()
}

// close stops health checks and closes the credential store. It leaves the
// session alone; use shutdown when one was created.
func (s *services) close() {
	s.closeOnce.Do(func() {
		if s.health != nil {
			s.health.Stop()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				logger.Warn("[CREDENTIALS] error closing store", "error", err)
			}
		}
	})
}
