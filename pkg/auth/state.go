// Package auth drives the Spark AI SSO login and MFA challenge until the chat
// page is usable, without ever blocking past its budgets unless an operator
// is expected.
package auth

import (
	"fmt"
	"log/slog"
)

// State is a login state.
type State int

const (
	StateUnknown State = iota
	StateLoginFormDetected
	StateCredentialsSubmitted
	StateChallengePending
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateLoginFormDetected:
		return "login_form_detected"
	case StateCredentialsSubmitted:
		return "credentials_submitted"
	case StateChallengePending:
		return "challenge_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Method names how the final state was reached.
type Method string

const (
	MethodAlreadyAuthenticated Method = "already_authenticated"
	MethodCredentials          Method = "credentials"
	MethodPush                 Method = "push"
	MethodAlternate            Method = "alternate"
	MethodOperator             Method = "operator"
	MethodHeuristic            Method = "heuristic"
)

// Result summarises one Ensure call.
type Result struct {
	State       State
	Method      Method
	Transitions []State
	// Fresh reports that the session was not authenticated on entry, so
	// cookies are worth saving.
	Fresh bool
}

// Credentials live only for a login attempt. They are never persisted and
// their secret never reaches logs.
type Credentials struct {
	Username string
	Secret   string
}

// Valid reports whether both fields are set.
func (c *Credentials) Valid() bool {
	return c != nil && c.Username != "" && c.Secret != ""
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Secret: [REDACTED]}", c.Username)
}

func (c Credentials) GoString() string { return c.String() }

// LogValue keeps the secret out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("secret", "[REDACTED]"),
	)
}
