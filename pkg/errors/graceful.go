// Package errors reports process-level failures from the nestlink binaries
// and turns them into exit codes.
package errors

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/migadu/nestlink/logger"
)

// Exit codes used by the binaries.
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitConfig     = 2
	ExitValidation = 3
)

// GracefulError names the operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler records the first failure's exit code. It writes to its own
// logger because it runs before the application logger is initialized.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerWithOutput(os.Stderr)
}

// NewErrorHandlerWithOutput writes reports to w.
func NewErrorHandlerWithOutput(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(w, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) record(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewGracefulError(operation, err))
	eh.record(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.record(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.record(ExitValidation)
}

// WaitForExit blocks until a failure has been recorded.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Shutdown logs whether the stop was requested or unexpected.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
