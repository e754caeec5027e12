package credentials

import (
	"context"
	"fmt"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/logger"
)

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CredentialsConfig) (ReadWriteStore, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("[CREDENTIALS] using in-memory store")
		return NewMemoryStore(), nil
	case "sqlite", "":
		logger.Info("[CREDENTIALS] using sqlite store", "path", cfg.SQLite.Path)
		return OpenSQLiteStore(ctx, cfg.SQLite.Path)
	case "redis":
		logger.Info("[CREDENTIALS] using redis store", "addr", cfg.Redis.Addr, "key", cfg.Redis.GetKey())
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}

// NewPollerFromConfig builds a poller for store using cfg.
func NewPollerFromConfig(store Store, cfg config.CredentialsConfig) (*Poller, error) {
	interval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid credentials.poll_interval: %w", err)
	}
	backend := cfg.Backend
	if backend == "" {
		backend = "sqlite"
	}
	return NewPoller(store, PollerOptions{
		Interval:      interval,
		Backend:       backend,
		RejectExpired: cfg.GetRejectExpiredTokens(),
	}), nil
}
