package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulErrorUnwraps(t *testing.T) {
	base := stderrors.New("dial refused")
	err := NewGracefulError("open credential store", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "operation 'open credential store' failed: dial refused", err.Error())
}

func TestErrorHandlerCodes(t *testing.T) {
	tests := []struct {
		name   string
		report func(*ErrorHandler)
		code   int
		output string
	}{
		{"fatal", func(eh *ErrorHandler) { eh.FatalError("start session", stderrors.New("boom")) }, ExitFatal, "FATAL"},
		{"missing config", func(eh *ErrorHandler) { eh.ConfigError("nestlink.toml", os.ErrNotExist) }, ExitConfig, "not found"},
		{"bad config", func(eh *ErrorHandler) { eh.ConfigError("nestlink.toml", stderrors.New("line 3")) }, ExitConfig, "failed to parse"},
		{"validation", func(eh *ErrorHandler) { eh.ValidationError("hub.base_url", stderrors.New("required")) }, ExitValidation, "hub.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			eh := NewErrorHandlerWithOutput(&buf)
			tt.report(eh)
			assert.Equal(t, tt.code, eh.WaitForExit())
			assert.Contains(t, buf.String(), tt.output)
		})
	}
}

func TestErrorHandlerKeepsFirstCode(t *testing.T) {
	eh := NewErrorHandlerWithOutput(&bytes.Buffer{})
	eh.ValidationError("a", stderrors.New("x"))
	eh.FatalError("b", stderrors.New("y"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	require.True(t, ok)
	assert.Equal(t, ExitValidation, code)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestShutdownDoesNotBlock(t *testing.T) {
	eh := NewErrorHandlerWithOutput(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	eh.Shutdown(ctx)
	cancel()
	eh.Shutdown(ctx)
}
