// Package retry provides backoff schedules and retry helpers.
//
// Two kinds of schedule are supported:
//   - Exponential backoff with optional jitter (BackoffConfig), used for
//     short request retries such as hub negotiation.
//   - Fixed delay lists (Schedule), used for the hub's automatic reconnect
//     policy: immediate, 2s, 5s, 10s, 30s, then give up.
//
// # Usage
//
//	err := retry.WithRetryAdvanced(ctx, func() error {
//		resp, err := negotiate(ctx)
//		if errors.Is(err, consts.ErrHubUnauthorized) {
//			return retry.Stop(err)
//		}
//		return err
//	}, retry.BackoffConfig{InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2, MaxRetries: 2})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/nestlink/logger"
)

// Policy yields the delay before reconnect attempt number attempt (0-based).
// ok is false once the policy is exhausted.
type Policy interface {
	NextDelay(attempt int) (delay time.Duration, ok bool)
}

// Schedule is a Policy backed by a fixed list of delays.
type Schedule []time.Duration

// DefaultReconnectSchedule is the automatic reconnect schedule used by the hub client.
func DefaultReconnectSchedule() Schedule {
	return Schedule{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}
}

func (s Schedule) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= len(s) {
		return 0, false
	}
	return s[attempt], true
}

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// NextDelay lets a BackoffConfig act as a reconnect Policy bounded by MaxRetries.
func (c BackoffConfig) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= c.MaxRetries {
		return 0, false
	}
	return ExponentialBackoff(c)(attempt), true
}

func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))

		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)

		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

type RetryableFunc func() error

func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced is like WithRetry but respects StopError to halt retries immediately
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			if err := sleep(ctx, backoff(attempt)); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debugf("[RETRY] stop requested on attempt %d: %v", attempts, stopErr.Err)
			return stopErr.Err
		}
		logger.Debugf("[RETRY] attempt %d of %d failed: %v", attempts, config.MaxRetries+1, err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
