package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// HubBreakerConfig holds circuit breaker settings for hub negotiate requests.
type HubBreakerConfig struct {
	MaxRequests      uint32 `toml:"max_requests"`      // Requests allowed in half-open state (default: 1)
	Interval         string `toml:"interval"`          // Counter reset interval in closed state (default: "1m")
	Timeout          string `toml:"timeout"`           // Time spent open before probing (default: "30s")
	FailureThreshold uint32 `toml:"failure_threshold"` // Consecutive failures that trip the breaker (default: 5)
}

// GetInterval parses the breaker counter reset interval.
func (c *HubBreakerConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetTimeout parses the open-state timeout.
func (c *HubBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// GetMaxRequests returns the half-open request budget.
func (c *HubBreakerConfig) GetMaxRequests() uint32 {
	if c.MaxRequests == 0 {
		return 1
	}
	return c.MaxRequests
}

// GetFailureThreshold returns the consecutive failure count that opens the breaker.
func (c *HubBreakerConfig) GetFailureThreshold() uint32 {
	if c.FailureThreshold == 0 {
		return 5
	}
	return c.FailureThreshold
}

// HubConfig holds configuration for the realtime hub endpoint.
type HubConfig struct {
	BaseURL           string           `toml:"base_url"`           // API base address, e.g. "https://api.example.com"
	Path              string           `toml:"path"`               // Hub path appended to base_url (default: "/hub/messageHub")
	ReceiveEvent      string           `toml:"receive_event"`      // Inbound event name (default: "ReceivedMessage")
	ReconnectDelays   []string         `toml:"reconnect_delays"`   // Transport automatic reconnect schedule (default: 0, 2s, 5s, 10s, 30s)
	HandshakeTimeout  string           `toml:"handshake_timeout"`  // Negotiate + upgrade + handshake budget (default: "15s")
	KeepAliveInterval string           `toml:"keepalive_interval"` // Ping interval (default: "15s")
	ServerTimeout     string           `toml:"server_timeout"`     // Silence after which the connection is considered lost (default: "30s")
	NegotiateRetries  int              `toml:"negotiate_retries"`  // Retries for transient negotiate failures (default: 2)
	SkipNegotiation   bool             `toml:"skip_negotiation"`   // Dial the WebSocket directly without negotiate
	Breaker           HubBreakerConfig `toml:"breaker"`
}

// GetPath returns the hub path with a leading slash.
func (h *HubConfig) GetPath() string {
	if h.Path == "" {
		return consts.DefaultHubPath
	}
	if !strings.HasPrefix(h.Path, "/") {
		return "/" + h.Path
	}
	return h.Path
}

// GetReceiveEvent returns the inbound event name.
func (h *HubConfig) GetReceiveEvent() string {
	if h.ReceiveEvent == "" {
		return consts.DefaultReceiveEvent
	}
	return h.ReceiveEvent
}

// GetReconnectDelays parses the automatic reconnect schedule.
func (h *HubConfig) GetReconnectDelays() ([]time.Duration, error) {
	if len(h.ReconnectDelays) == 0 {
		return []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}, nil
	}
	return helpers.ParseDurationList(h.ReconnectDelays)
}

// GetHandshakeTimeout parses the handshake timeout.
func (h *HubConfig) GetHandshakeTimeout() (time.Duration, error) {
	if h.HandshakeTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(h.HandshakeTimeout)
}

// GetKeepAliveInterval parses the ping interval.
func (h *HubConfig) GetKeepAliveInterval() (time.Duration, error) {
	if h.KeepAliveInterval == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(h.KeepAliveInterval)
}

// GetServerTimeout parses the server silence timeout.
func (h *HubConfig) GetServerTimeout() (time.Duration, error) {
	if h.ServerTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.ServerTimeout)
}

// GetNegotiateRetries returns the negotiate retry count.
func (h *HubConfig) GetNegotiateRetries() int {
	if h.NegotiateRetries < 0 {
		return 0
	}
	if h.NegotiateRetries == 0 {
		return 2
	}
	return h.NegotiateRetries
}

// SessionConfig holds the outer manual retry delays of the session controller.
type SessionConfig struct {
	ConnectRetryDelay string `toml:"connect_retry_delay"` // Retry after a failed open (default: "5s")
	DropRetryDelay    string `toml:"drop_retry_delay"`    // Retry after an unexpected close (default: "10s")
	CloseTimeout      string `toml:"close_timeout"`       // Budget for tearing down a connection (default: "5s")
}

// GetConnectRetryDelay parses the open-failure retry delay.
func (s *SessionConfig) GetConnectRetryDelay() (time.Duration, error) {
	if s.ConnectRetryDelay == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectRetryDelay)
}

// GetDropRetryDelay parses the drop retry delay.
func (s *SessionConfig) GetDropRetryDelay() (time.Duration, error) {
	if s.DropRetryDelay == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(s.DropRetryDelay)
}

// GetCloseTimeout parses the teardown budget.
func (s *SessionConfig) GetCloseTimeout() (time.Duration, error) {
	if s.CloseTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.CloseTimeout)
}

// SQLiteCredentialsConfig holds the on-device credential database location.
type SQLiteCredentialsConfig struct {
	Path string `toml:"path"`
}

// RedisCredentialsConfig holds the Redis credential backend settings.
type RedisCredentialsConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`     // Hash holding user_id and token (default: "nestlink:credentials")
	Channel  string `toml:"channel"` // Pub/sub channel announcing changes (default: "nestlink:credentials:changed")
}

// CredentialsConfig selects and configures the credential store.
type CredentialsConfig struct {
	Backend             string                  `toml:"backend"`               // "sqlite", "redis" or "memory"
	PollInterval        string                  `toml:"poll_interval"`         // Poll period (default: "2s")
	RejectExpiredTokens *bool                   `toml:"reject_expired_tokens"` // Treat expired JWTs as absent (default: true)
	SQLite              SQLiteCredentialsConfig `toml:"sqlite"`
	Redis               RedisCredentialsConfig  `toml:"redis"`
}

// GetPollInterval parses the poll interval.
func (c *CredentialsConfig) GetPollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(c.PollInterval)
}

// GetRejectExpiredTokens reports whether expired JWTs are treated as absent.
func (c *CredentialsConfig) GetRejectExpiredTokens() bool {
	if c.RejectExpiredTokens == nil {
		return true
	}
	return *c.RejectExpiredTokens
}

// GetKey returns the credential hash key.
func (c *RedisCredentialsConfig) GetKey() string {
	if c.Key == "" {
		return "nestlink:credentials"
	}
	return c.Key
}

// GetChannel returns the change notification channel.
func (c *RedisCredentialsConfig) GetChannel() string {
	if c.Channel == "" {
		return "nestlink:credentials:changed"
	}
	return c.Channel
}

// StatusAPIConfig holds the local HTTP status API configuration.
type StatusAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	APIKey  string `toml:"api_key"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	Enabled       bool   `toml:"enabled"`
	CheckInterval string `toml:"check_interval"` // (default: "30s")
}

// GetCheckInterval parses the health check interval.
func (h *HealthConfig) GetCheckInterval() (time.Duration, error) {
	if h.CheckInterval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.CheckInterval)
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Hub         HubConfig         `toml:"hub"`
	Session     SessionConfig     `toml:"session"`
	Credentials CredentialsConfig `toml:"credentials"`
	StatusAPI   StatusAPIConfig   `toml:"status_api"`
	Health      HealthConfig      `toml:"health"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Hub: HubConfig{
			Path:              consts.DefaultHubPath,
			ReceiveEvent:      consts.DefaultReceiveEvent,
			ReconnectDelays:   []string{"0", "2s", "5s", "10s", "30s"},
			HandshakeTimeout:  "15s",
			KeepAliveInterval: "15s",
			ServerTimeout:     "30s",
			NegotiateRetries:  2,
			Breaker: HubBreakerConfig{
				MaxRequests:      1,
				Interval:         "1m",
				Timeout:          "30s",
				FailureThreshold: 5,
			},
		},
		Session: SessionConfig{
			ConnectRetryDelay: "5s",
			DropRetryDelay:    "10s",
			CloseTimeout:      "5s",
		},
		Credentials: CredentialsConfig{
			Backend:      "sqlite",
			PollInterval: "2s",
			SQLite: SQLiteCredentialsConfig{
				Path: "nestlink.db",
			},
			Redis: RedisCredentialsConfig{
				Addr:    "localhost:6379",
				Key:     "nestlink:credentials",
				Channel: "nestlink:credentials:changed",
			},
		},
		StatusAPI: StatusAPIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8686",
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: "30s",
		},
	}
}

// Validate checks the configuration for errors that would prevent the session from starting.
func (c *Config) Validate() error {
	if c.Hub.BaseURL == "" {
		return fmt.Errorf("hub.base_url is required")
	}
	u, err := url.Parse(c.Hub.BaseURL)
	if err != nil {
		return fmt.Errorf("hub.base_url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("hub.base_url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("hub.base_url must include a host")
	}

	durations := []struct {
		name string
		get  func() (time.Duration, error)
	}{
		{"hub.handshake_timeout", c.Hub.GetHandshakeTimeout},
		{"hub.keepalive_interval", c.Hub.GetKeepAliveInterval},
		{"hub.server_timeout", c.Hub.GetServerTimeout},
		{"hub.breaker.interval", c.Hub.Breaker.GetInterval},
		{"hub.breaker.timeout", c.Hub.Breaker.GetTimeout},
		{"session.connect_retry_delay", c.Session.GetConnectRetryDelay},
		{"session.drop_retry_delay", c.Session.GetDropRetryDelay},
		{"session.close_timeout", c.Session.GetCloseTimeout},
		{"credentials.poll_interval", c.Credentials.GetPollInterval},
		{"health.check_interval", c.Health.GetCheckInterval},
	}
	for _, d := range durations {
		if _, err := d.get(); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	if _, err := c.Hub.GetReconnectDelays(); err != nil {
		return fmt.Errorf("hub.reconnect_delays: %w", err)
	}

	keepAlive, _ := c.Hub.GetKeepAliveInterval()
	serverTimeout, _ := c.Hub.GetServerTimeout()
	if serverTimeout <= keepAlive {
		return fmt.Errorf("hub.server_timeout (%v) must be greater than hub.keepalive_interval (%v)", serverTimeout, keepAlive)
	}

	pollInterval, _ := c.Credentials.GetPollInterval()
	if pollInterval <= 0 {
		return fmt.Errorf("credentials.poll_interval must be positive")
	}

	switch c.Credentials.Backend {
	case "sqlite":
		if c.Credentials.SQLite.Path == "" {
			return fmt.Errorf("credentials.sqlite.path is required for the sqlite backend")
		}
	case "redis":
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("credentials.redis.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("credentials.backend must be one of sqlite, redis, memory; got %q", c.Credentials.Backend)
	}

	if c.StatusAPI.Enabled {
		if c.StatusAPI.Addr == "" {
			return fmt.Errorf("status_api.addr is required when the status API is enabled")
		}
		if c.StatusAPI.APIKey == "" {
			return fmt.Errorf("status_api.api_key is required when the status API is enabled")
		}
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors fail the load with a hint attached
func LoadConfigFromFile(configPath string, cfg *Config) error {
	// Read the file content first
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// Try to decode - capture metadata to check for unknown keys
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		// Check if this is a duplicate key error
		if strings.Contains(err.Error(), "has already been defined") {
			// Extract the duplicate key name from error message
			errMsg := err.Error()
			log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, errMsg)
			log.Printf("WARNING: Ignoring duplicate entries. Only the first occurrence of each key will be used.")
			log.Printf("WARNING: Please fix your configuration file to remove duplicates.")

			// Parse again with a lenient approach by removing duplicate keys
			cleanedContent, parseErr := removeDuplicateKeysFromTOML(string(content))
			if parseErr != nil {
				// If we can't clean it, return a helpful error
				return enhanceConfigError(err)
			}

			// Try decoding the cleaned content
			metadata, err = toml.Decode(cleanedContent, cfg)
			if err != nil {
				return enhanceConfigError(err)
			}
		} else {
			// For other errors, provide enhanced error messages
			return enhanceConfigError(err)
		}
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
		log.Printf("WARNING: These keys may be typos or deprecated settings. Please review your configuration.")
	}

	// Trim whitespace from all string fields in the configuration
	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML removes duplicate keys from TOML content
// This is a simple implementation that keeps the first occurrence of each key
// Supports nested tables ([table.subtable]) and array tables ([[array.table]])
// Note: Array tables reset key tracking per instance since each [[table]] is a new array element
func removeDuplicateKeysFromTOML(content string) (string, error) {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int) // Maps key path to line number
	var result []string
	var currentSection string
	var lastArrayTable string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Skip empty lines and comments
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		// Track section changes - handle both regular tables and array tables
		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			// Array table: [[table.name]]
			// Remove outer brackets to get the section name
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])

			// Reset key tracking for this array table instance
			// Each [[table]] is a new array element, so same keys are expected
			if currentSection == lastArrayTable {
				// Same array table name - clear keys for this section
				for k := range seenKeys {
					if strings.HasPrefix(k, currentSection+".") {
						delete(seenKeys, k)
					}
				}
			}
			lastArrayTable = currentSection

			result = append(result, line)
			continue
		} else if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			// Regular table: [table.name]
			// Remove brackets to get the section name
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			lastArrayTable = "" // Not an array table
			result = append(result, line)
			continue
		}

		// Check if this is a key = value line
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimSpace(parts[0])
				// Build full key path: section.key
				var fullKey string
				if currentSection != "" {
					fullKey = currentSection + "." + key
				} else {
					fullKey = key
				}

				// Check if we've seen this key before
				if prevLine, exists := seenKeys[fullKey]; exists {
					// Duplicate found - comment it out
					log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
						fullKey, lineNum+1, prevLine+1)
					result = append(result, "# DUPLICATE IGNORED: "+line)
					continue
				}

				// Remember this key
				seenKeys[fullKey] = lineNum
			}
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n"), nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	// Check for duplicate key errors
	if strings.Contains(errMsg, "has already been defined") {
		// Extract the key name from the error message
		// Format: "toml: line X (last key "key.name"): Key 'key.name' has already been defined."
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.\n"+
			"Common causes:\n"+
			"  - Same key appears twice in the same section\n"+
			"  - Copy-paste errors when merging configuration snippets\n"+
			"  - Uncommenting a setting that already exists elsewhere", err)
	}

	// Check for common boolean typos
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"Common mistakes:\n"+
			"  - Using 'f' instead of 'false'\n"+
			"  - Using 't' instead of 'true'\n"+
			"  - Using 'yes'/'no' instead of 'true'/'false'\n"+
			"  - Using '1'/'0' instead of 'true'/'false'\n\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	// Check for invalid TOML syntax
	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - No special characters are unescaped\n"+
			"  - Section headers use [section] or [[array]] format\n"+
			"  - Boolean values are 'true' or 'false' (not 'yes'/'no', '1'/'0', 'f'/'t')", err)
	}

	// Return original error if we don't have specific guidance
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		// Trim whitespace from string fields
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		// Handle slices of strings and slices of structs
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		// Recursively process struct fields
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		// Handle pointers to structs
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Handle interface{} values (like the Port field which can be string or int)
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
