package errors

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode classifies a failure for exit codes, HTTP statuses and metrics.
type ErrorCode string

const (
	// Browser handle errors
	ErrCodeHandleInit  ErrorCode = "HANDLE_INIT"
	ErrCodeTransientUI ErrorCode = "TRANSIENT_UI"
	ErrCodeSessionLost ErrorCode = "SESSION_LOST"

	// Conversation errors
	ErrCodeAuthentication ErrorCode = "AUTHENTICATION"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeExtraction     ErrorCode = "EXTRACTION"

	// Cookie file errors
	ErrCodeCookieRead  ErrorCode = "COOKIE_READ"
	ErrCodeCookieWrite ErrorCode = "COOKIE_WRITE"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a failure with a code callers can branch on, plus the text shown
// to a person when it reaches the CLI or the HTTP service.
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	UserMessage string
	Remediation []string
	// Origin is the file:line that constructed the error.
	Origin string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Origin: origin(2)}
}

// Wrap attaches a code to err. A nil err stays nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Underlying: err, Origin: origin(2)}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the message shown instead of the technical one.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation replaces the remediation hints.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) > 0 {
		e.Remediation = append([]string(nil), tips...)
	}
	return e
}

// Error renders "CODE: message (k=v ...): cause" with context keys sorted.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if keys := e.contextKeys(); len(keys) > 0 {
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteByte(')')
	}
	if e.Underlying != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Underlying.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// Friendly returns the user message when set, otherwise the plain message.
func (e *Error) Friendly() string {
	if e == nil {
		return ""
	}
	if e.UserMessage != "" {
		return e.UserMessage
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// LogValue groups the error's fields so slog records them as attributes
// rather than one flattened string.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("msg", e.Message),
	}
	for _, k := range e.contextKeys() {
		attrs = append(attrs, slog.Any(k, e.Context[k]))
	}
	if e.Underlying != nil {
		attrs = append(attrs, slog.String("cause", e.Underlying.Error()))
	}
	if e.Retryable {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	if e.Origin != "" {
		attrs = append(attrs, slog.String("origin", e.Origin))
	}
	return slog.GroupValue(attrs...)
}

func (e *Error) contextKeys() []string {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// origin reports the caller skip frames above it as "dir/file.go:line".
func origin(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line)
}

// As extracts the first structured error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var structured *Error
	if stderrors.As(err, &structured) {
		return structured, true
	}
	return nil, false
}

// IsCode checks if an error chain carries a specific error code
func IsCode(err error, code ErrorCode) bool {
	structured, ok := As(err)
	if !ok {
		return false
	}
	return structured.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	structured, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}
	return structured.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	structured, ok := As(err)
	if !ok {
		return false
	}
	return structured.Retryable
}

// UserMessage returns the friendliest description available for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if structured, ok := As(err); ok {
		return structured.Friendly()
	}
	return err.Error()
}
