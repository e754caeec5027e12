package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	return configPath
}

// TestLoadConfigFromFile_UnknownKeys tests that unknown keys produce warnings but don't fail
func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	configPath := writeConfig(t, "test_unknown.toml", `
[hub]
base_url = "https://api.example.com"

# Unknown keys
unknown_key = "should warn"
typo_setting = 123

[credentials]
backend = "memory"
another_unknown = "value"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Errorf("LoadConfigFromFile returned unexpected error: %v", err)
	}

	if cfg.Hub.BaseURL != "https://api.example.com" {
		t.Errorf("Expected base_url to be loaded, got %q", cfg.Hub.BaseURL)
	}
	if cfg.Credentials.Backend != "memory" {
		t.Errorf("Expected backend=memory, got %s", cfg.Credentials.Backend)
	}
}

// TestLoadConfigFromFile_OverridesDefaults checks that file values replace defaults and untouched defaults survive.
func TestLoadConfigFromFile_OverridesDefaults(t *testing.T) {
	configPath := writeConfig(t, "test_override.toml", `
[hub]
base_url = "  https://api.example.com  "
reconnect_delays = ["0", "1s", "3s"]

[session]
drop_retry_delay = "20s"

[credentials]
poll_interval = "500ms"
reject_expired_tokens = false
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}

	if cfg.Hub.BaseURL != "https://api.example.com" {
		t.Errorf("Expected whitespace to be trimmed, got %q", cfg.Hub.BaseURL)
	}

	delays, err := cfg.Hub.GetReconnectDelays()
	if err != nil {
		t.Fatalf("GetReconnectDelays failed: %v", err)
	}
	if len(delays) != 3 || delays[2] != 3*time.Second {
		t.Errorf("Unexpected reconnect delays: %v", delays)
	}

	drop, _ := cfg.Session.GetDropRetryDelay()
	if drop != 20*time.Second {
		t.Errorf("Expected drop retry 20s, got %v", drop)
	}
	connect, _ := cfg.Session.GetConnectRetryDelay()
	if connect != 5*time.Second {
		t.Errorf("Expected default connect retry 5s to survive, got %v", connect)
	}

	poll, _ := cfg.Credentials.GetPollInterval()
	if poll != 500*time.Millisecond {
		t.Errorf("Expected poll interval 500ms, got %v", poll)
	}
	if cfg.Credentials.GetRejectExpiredTokens() {
		t.Error("Expected reject_expired_tokens=false to be honoured")
	}
}

// TestRemoveDuplicateKeys_SimpleSection tests duplicate detection in simple sections
func TestRemoveDuplicateKeys_SimpleSection(t *testing.T) {
	content := `
[session]
drop_retry_delay = "10s"
drop_retry_delay = "1s"

[hub]
base_url = "https://a.example.com"
base_url = "https://b.example.com"
`

	cleaned, err := removeDuplicateKeysFromTOML(content)
	if err != nil {
		t.Fatalf("removeDuplicateKeysFromTOML failed: %v", err)
	}

	if !strings.Contains(cleaned, `# DUPLICATE IGNORED: drop_retry_delay = "1s"`) {
		t.Error("Expected second 'drop_retry_delay' to be commented out")
	}
	if !strings.Contains(cleaned, `# DUPLICATE IGNORED: base_url = "https://b.example.com"`) {
		t.Error("Expected second 'base_url' to be commented out")
	}
	if !strings.Contains(cleaned, `drop_retry_delay = "10s"`) {
		t.Error("Expected first 'drop_retry_delay' to be preserved")
	}
}

// TestRemoveDuplicateKeys_NestedSections tests that repeated nested sections are kept
func TestRemoveDuplicateKeys_NestedSections(t *testing.T) {
	content := `
[credentials.sqlite]
path = "a.db"

[credentials.redis]
addr = "localhost:6379"

[credentials.sqlite]
path = "b.db"
`

	cleaned, err := removeDuplicateKeysFromTOML(content)
	if err != nil {
		t.Fatalf("removeDuplicateKeysFromTOML failed: %v", err)
	}

	if got := strings.Count(cleaned, "[credentials.sqlite]"); got != 2 {
		t.Errorf("Expected 2 [credentials.sqlite] sections, got %d", got)
	}
	if !strings.Contains(cleaned, `# DUPLICATE IGNORED: path = "b.db"`) {
		t.Error("Expected duplicate path under the repeated section to be commented out")
	}
}

// TestRemoveDuplicateKeys_ArrayTables tests array table syntax [[table]]
func TestRemoveDuplicateKeys_ArrayTables(t *testing.T) {
	content := `
[[hubs]]
name = "primary"

[[hubs]]
name = "fallback"

[logging]
level = "info"
level = "debug"
`

	cleaned, err := removeDuplicateKeysFromTOML(content)
	if err != nil {
		t.Fatalf("removeDuplicateKeysFromTOML failed: %v", err)
	}

	if got := strings.Count(cleaned, "[[hubs]]"); got != 2 {
		t.Errorf("Expected 2 [[hubs]] sections, got %d", got)
	}
	if strings.Contains(cleaned, `# DUPLICATE IGNORED: name = "fallback"`) {
		t.Error("Array table elements must not be treated as duplicates")
	}
	if !strings.Contains(cleaned, `# DUPLICATE IGNORED: level = "debug"`) {
		t.Error("Expected duplicate 'level' in regular section to be commented out")
	}
}

// TestEnhanceConfigError_BooleanVariants tests error hints for various boolean typos
func TestEnhanceConfigError_BooleanVariants(t *testing.T) {
	tests := []struct {
		name        string
		errorMsg    string
		shouldMatch bool
	}{
		{
			name:        "f instead of false",
			errorMsg:    `toml: line 5: expected value but found "f" instead`,
			shouldMatch: true,
		},
		{
			name:        "t instead of true",
			errorMsg:    `toml: line 5: expected value but found "t" instead`,
			shouldMatch: true,
		},
		{
			name:        "regular syntax error",
			errorMsg:    `toml: line 5: expected value but found "[" instead`,
			shouldMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enhanced := enhanceConfigError(&mockError{msg: tt.errorMsg})

			enhancedStr := enhanced.Error()
			hasBooleanHint := strings.Contains(enhancedStr, "Invalid boolean value")

			if tt.shouldMatch && !hasBooleanHint {
				t.Errorf("Expected boolean hint for error: %s", tt.errorMsg)
			}
			if !tt.shouldMatch && hasBooleanHint {
				t.Errorf("Did not expect boolean hint for error: %s", tt.errorMsg)
			}
			if !strings.Contains(enhancedStr, tt.errorMsg) {
				t.Error("Enhanced error should contain original error message")
			}
		})
	}
}

// TestLoadConfigFromFile_BooleanTypos tests that boolean typos fail with helpful error
func TestLoadConfigFromFile_BooleanTypos(t *testing.T) {
	configPath := writeConfig(t, "test_bool.toml", `
[status_api]
enabled = f
`)

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	if err == nil {
		t.Fatal("Expected error for 'f' instead of 'false'")
	}
	if !strings.Contains(err.Error(), "Using 'f' instead of 'false'") {
		t.Errorf("Expected specific hint about 'f', got: %v", err)
	}
}

// TestLoadConfigFromFile_DuplicateKeys tests that duplicate keys are handled gracefully
func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	configPath := writeConfig(t, "test_dup.toml", `
[hub]
base_url = "https://first.example.com"
base_url = "https://second.example.com"
`)

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		t.Errorf("LoadConfigFromFile should handle duplicates gracefully, got error: %v", err)
	}
	if cfg.Hub.BaseURL != "https://first.example.com" {
		t.Errorf("Expected first value to win, got: %s", cfg.Hub.BaseURL)
	}
}

type mockError struct {
	msg string
}

func (e *mockError) Error() string {
	return e.msg
}
