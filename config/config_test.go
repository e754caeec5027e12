package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := NewDefaultConfig()
	cfg.Hub.BaseURL = "https://api.example.com"
	return cfg
}

func TestNewDefaultConfig_Getters(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "/hub/messageHub", cfg.Hub.GetPath())
	assert.Equal(t, "ReceivedMessage", cfg.Hub.GetReceiveEvent())

	delays, err := cfg.Hub.GetReconnectDelays()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, delays)

	connect, err := cfg.Session.GetConnectRetryDelay()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, connect)

	drop, err := cfg.Session.GetDropRetryDelay()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, drop)

	poll, err := cfg.Credentials.GetPollInterval()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, poll)

	assert.True(t, cfg.Credentials.GetRejectExpiredTokens())
	assert.Equal(t, uint32(5), cfg.Hub.Breaker.GetFailureThreshold())
}

func TestZeroValueGettersFallBackToDefaults(t *testing.T) {
	var hub HubConfig
	assert.Equal(t, "/hub/messageHub", hub.GetPath())
	assert.Equal(t, 2, hub.GetNegotiateRetries())
	timeout, err := hub.GetServerTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	var breaker HubBreakerConfig
	assert.Equal(t, uint32(1), breaker.GetMaxRequests())

	var redis RedisCredentialsConfig
	assert.Equal(t, "nestlink:credentials", redis.GetKey())
	assert.Equal(t, "nestlink:credentials:changed", redis.GetChannel())

	hub.Path = "custom/hub"
	assert.Equal(t, "/custom/hub", hub.GetPath())
	hub.NegotiateRetries = -1
	assert.Equal(t, 0, hub.GetNegotiateRetries())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"missing base url", func(c *Config) { c.Hub.BaseURL = "" }, "hub.base_url is required"},
		{"websocket scheme", func(c *Config) { c.Hub.BaseURL = "wss://api.example.com" }, "http or https"},
		{"no host", func(c *Config) { c.Hub.BaseURL = "https://" }, "must include a host"},
		{"bad duration", func(c *Config) { c.Session.DropRetryDelay = "later" }, "session.drop_retry_delay"},
		{"bad reconnect delay", func(c *Config) { c.Hub.ReconnectDelays = []string{"0", "x"} }, "hub.reconnect_delays"},
		{"timeout below keepalive", func(c *Config) { c.Hub.ServerTimeout = "10s" }, "must be greater than"},
		{"unknown backend", func(c *Config) { c.Credentials.Backend = "keychain" }, "credentials.backend"},
		{"sqlite without path", func(c *Config) { c.Credentials.SQLite.Path = "" }, "credentials.sqlite.path"},
		{"redis without addr", func(c *Config) {
			c.Credentials.Backend = "redis"
			c.Credentials.Redis.Addr = ""
		}, "credentials.redis.addr"},
		{"status api without key", func(c *Config) { c.StatusAPI.Enabled = true }, "status_api.api_key"},
		{"memory backend", func(c *Config) { c.Credentials.Backend = "memory" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %q", err, tt.wantErr)
		})
	}
}
