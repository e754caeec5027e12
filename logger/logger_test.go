package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/nestlink/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitialize_FileOutputJSON(t *testing.T) {
	origStdout, origStderr := os.Stdout, os.Stderr
	t.Cleanup(func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		globalLogger = nil
	})

	path := filepath.Join(t.TempDir(), "nestlink.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if f == nil {
		t.Fatal("Expected a log file handle for file output")
	}

	Component("session").Info("status changed", "to", "connected")
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]any
	line := strings.TrimSpace(string(bytes.Split(data, []byte("\n"))[0]))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", line, err)
	}
	if entry["component"] != "session" || entry["to"] != "connected" {
		t.Errorf("Unexpected log entry: %v", entry)
	}
}

func TestGet_DefaultsWithoutInitialize(t *testing.T) {
	globalLogger = nil
	if Get() == nil {
		t.Fatal("Get must fall back to slog.Default")
	}
}

func TestInitialize_RedactsSecretAttrs(t *testing.T) {
	origStdout, origStderr := os.Stdout, os.Stderr
	t.Cleanup(func() {
		os.Stdout, os.Stderr = origStdout, origStderr
		globalLogger = nil
	})

	path := filepath.Join(t.TempDir(), "nestlink.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json"})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	Info("[HUB] negotiate", "access_token", "eyJsecret", "Authorization", "Bearer eyJsecret", "user_id", "u1")
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "eyJsecret") {
		t.Fatalf("secret leaked into log: %s", data)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if entry["access_token"] != redacted || entry["Authorization"] != redacted || entry["user_id"] != "u1" {
		t.Errorf("Unexpected log entry: %v", entry)
	}
}

func TestSyslogHandler_RendersAttrs(t *testing.T) {
	h := &syslogHandler{level: slog.LevelInfo}
	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "hub")}).(*syslogHandler)
	grouped := withAttrs.WithGroup("conn").WithAttrs([]slog.Attr{
		slog.String("id", "c1"),
		slog.String("api_key", "k"),
	}).(*syslogHandler)

	if want := " component=hub conn.id=c1 conn.api_key=[REDACTED]"; grouped.attrs != want {
		t.Errorf("attrs = %q, want %q", grouped.attrs, want)
	}
	if h.attrs != "" || withAttrs.prefix != "" {
		t.Error("WithAttrs and WithGroup must not modify the receiver")
	}
	if grouped.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug must be disabled at info level")
	}
}
