// Package errors reports fatal startup and runtime errors of the daemon
// and decides its exit code.
package errors

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/soramail/logger"
)

// Exit codes.
const (
	ExitFailure = 1
	ExitConfig  = 2
)

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

// ErrorHandler records the first fatal error. Configuration problems are
// written to out directly since they can occur before logging is set up.
type ErrorHandler struct {
	exitChannel chan int
	out         io.Writer
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerTo(os.Stderr)
}

// NewErrorHandlerTo writes configuration errors to out.
func NewErrorHandlerTo(out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		out:         out,
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError logs a failed operation and requests exit code 1.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	logger.Error("SORAMAIL: fatal error", "operation", operation, "error", err)
	fmt.Fprintf(eh.out, "[ERROR] FATAL: %v\n", gracefulErr)
	eh.signal(ExitFailure)
}

// ConfigError reports an unreadable configuration file and requests exit
// code 2.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		fmt.Fprintf(eh.out, "[ERROR] configuration file '%s' not found: %v\n", configPath, err)
	} else {
		fmt.Fprintf(eh.out, "[ERROR] failed to parse configuration file '%s': %v\n", configPath, err)
	}
	eh.signal(ExitConfig)
}

// ValidationError reports an invalid setting and requests exit code 2.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	fmt.Fprintf(eh.out, "[ERROR] invalid configuration - %s: %v\n", field, err)
	eh.signal(ExitConfig)
}

// WaitForExit blocks until an error has been reported and returns its
// exit code.
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

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("SORAMAIL: graceful shutdown initiated")
	default:
		logger.Warn("SORAMAIL: unexpected shutdown")
	}
}
