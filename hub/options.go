package hub

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/migadu/nestlink/config"
	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/pkg/circuitbreaker"
	"github.com/migadu/nestlink/pkg/retry"
)

// BuildURL joins the API base address, the hub path and the userId query.
func BuildURL(baseURL, path, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid hub base url: %w", err)
	}
	if path == "" {
		path = consts.DefaultHubPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewNegotiateBreaker builds the breaker that guards negotiate requests.
// Rejected credentials are a client problem and do not count as failures.
func NewNegotiateBreaker(cfg config.HubBreakerConfig) (*circuitbreaker.CircuitBreaker, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid hub.breaker.interval: %w", err)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid hub.breaker.timeout: %w", err)
	}

	settings := circuitbreaker.DefaultSettings("hub_negotiate")
	settings.MaxRequests = cfg.GetMaxRequests()
	settings.Interval = interval
	settings.Timeout = timeout
	settings.ReadyToTrip = circuitbreaker.ConsecutiveFailures(cfg.GetFailureThreshold())
	settings.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, consts.ErrHubUnauthorized)
	}
	return circuitbreaker.NewCircuitBreaker(settings), nil
}

// OptionsFromConfig converts the [hub] section into Options. URL and
// AccessTokenFactory are per-connection and left for the caller.
func OptionsFromConfig(cfg config.HubConfig, breaker *circuitbreaker.CircuitBreaker) (Options, error) {
	delays, err := cfg.GetReconnectDelays()
	if err != nil {
		return Options{}, fmt.Errorf("invalid hub.reconnect_delays: %w", err)
	}
	handshake, err := cfg.GetHandshakeTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid hub.handshake_timeout: %w", err)
	}
	keepAlive, err := cfg.GetKeepAliveInterval()
	if err != nil {
		return Options{}, fmt.Errorf("invalid hub.keepalive_interval: %w", err)
	}
	serverTimeout, err := cfg.GetServerTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid hub.server_timeout: %w", err)
	}

	return Options{
		ReconnectPolicy:   retry.Schedule(delays),
		HandshakeTimeout:  handshake,
		KeepAliveInterval: keepAlive,
		ServerTimeout:     serverTimeout,
		NegotiateRetries:  cfg.GetNegotiateRetries(),
		SkipNegotiation:   cfg.SkipNegotiation,
		Breaker:           breaker,
	}, nil
}
