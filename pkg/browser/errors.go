package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnavailable        = errors.New("browser unavailable")
	ErrSessionClosed      = errors.New("browser handle closed")
	ErrConnectionLost     = errors.New("browser connection lost")
	ErrOperationTimeout   = errors.New("operation timeout")
	ErrStaleElement       = errors.New("stale element")
	ErrForeignElement     = errors.New("element belongs to another driver")
	ErrRendererConnection = errors.New("unable to connect to renderer")
)

// HandleError wraps driver failures with the operation that produced them.
type HandleError struct {
	Op  string
	Err error
}

func (e *HandleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("browser %s failed", e.Op)
	}
	return fmt.Sprintf("browser %s: %v", e.Op, e.Err)
}

func (e *HandleError) Unwrap() error {
	return e.Err
}

// WrapError attaches op context to err; nil stays nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var he *HandleError
	if errors.As(err, &he) && he.Op == op {
		return err
	}
	return &HandleError{Op: op, Err: err}
}

var rendererSignatures = []string{
	"unable to connect to renderer",
	"cannot connect to renderer",
}

var connectionSignatures = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"websocket: close",
	"use of closed network connection",
	"target closed",
	"session closed",
	"browser has disconnected",
	"target page, context or browser has been closed",
	"no such window",
	"invalid session id",
	"chrome not reachable",
	"eof",
}

// IsRendererFailure reports whether err carries the renderer connection
// signature that headless mode usually avoids.
func IsRendererFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRendererConnection) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), rendererSignatures)
}

// IsConnectionError returns true if the error indicates a lost connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), connectionSignatures)
}

// IsRetryableError returns true if the error might succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrOperationTimeout) ||
		errors.Is(err, ErrStaleElement) ||
		IsConnectionError(err)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
