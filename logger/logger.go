// Package logger provides structured logging for nestlink.
//
// It wraps log/slog and routes output to stderr, stdout, syslog or a file
// according to config.LoggingConfig. Initialize once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Then log through the package-level helpers, using key-value pairs:
//
//	logger.Info("[SESSION] status changed", "from", prev, "to", next)
//	logger.Warnf("[HUB] negotiate failed: %v", err)
//
// Bearer tokens must never be passed to the logger; log
// helpers.TokenFingerprint(token) instead. Attributes named like raw secrets
// (access_token, authorization, api_key) are redacted by every handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"

	"github.com/migadu/nestlink/config"
)

var globalLogger *slog.Logger

const redacted = "[REDACTED]"

var secretKeys = map[string]struct{}{
	"access_token":  {},
	"authorization": {},
	"api_key":       {},
}

// redactAttr hides the value of attributes that carry raw secrets.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// syslogHandler renders records as "msg key=value ..." lines for syslog.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	prefix string // dotted group path for attrs added later
	attrs  string // pre-rendered attrs from WithAttrs
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) render(b *strings.Builder, a slog.Attr) {
	a = redactAttr(nil, a)
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(b, " %s%s=%v", h.prefix, a.Key, a.Value.Resolve().Any())
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		h.render(&b, a)
		return true
	})
	msg := b.String()

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		h.render(&b, a)
	}
	next := *h
	next.attrs = b.String()
	return &next
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func newStreamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger. Output falls back to stderr when
// syslog or the log file cannot be opened. For file output the returned
// handle must be closed by the caller.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	level := parseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}

	var (
		handler slog.Handler
		logFile *os.File
	)
	switch output {
	case "stdout":
		handler = newStreamHandler(os.Stdout, cfg.Format, opts)
	case "stderr":
		handler = newStreamHandler(os.Stderr, cfg.Format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintln(os.Stderr, "WARNING: syslog is not supported on Windows, logging to stderr")
			handler = newStreamHandler(os.Stderr, cfg.Format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "nestlink")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: syslog unavailable (%v), logging to stderr\n", err)
			handler = newStreamHandler(os.Stderr, cfg.Format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: cannot open log file %q (%v), logging to stderr\n", output, err)
			handler = newStreamHandler(os.Stderr, cfg.Format, opts)
			break
		}
		logFile = f
		handler = newStreamHandler(f, cfg.Format, opts)
		// Stray prints from dependencies land in the same file.
		os.Stdout = f
		os.Stderr = f
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger, or slog.Default before Initialize.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any) { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Component returns a logger tagged with the given component name.
func Component(name string) *slog.Logger {
	return Get().With("component", name)
}

func Infof(format string, args ...any) { Get().Info(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any) { Get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// Sync is a no-op; slog handlers write through.
func Sync() error {
	return nil
}
