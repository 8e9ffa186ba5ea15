package errors

import (
	"fmt"
	"strings"
	"time"
)

// HandleInit reports that no automation handle could be constructed.
func HandleInit(err error, attempts int) *Error {
	return Wrap(orUnknown(err), ErrCodeHandleInit, "browser handle could not be created").
		WithContext("attempts", attempts).
		WithUserMessage("Could not start or attach to the browser").
		calledFrom(3).
		WithRemediation(
			"Check that Chrome or Chromium is installed and runnable",
			"When attaching, start Chrome with --remote-debugging-port and verify the address",
		)
}

// TransientUI reports a recoverable DOM interaction failure.
func TransientUI(op string, err error) *Error {
	return Wrap(orUnknown(err), ErrCodeTransientUI, "page element unavailable").
		WithContext("op", op).
		WithRetryable(true).
		calledFrom(3)
}

// Authentication reports that the login flow ended without an authenticated page.
func Authentication(state string, err error) *Error {
	var e *Error
	if err != nil {
		e = Wrap(err, ErrCodeAuthentication, "authentication failed")
	} else {
		e = New(ErrCodeAuthentication, "authentication failed")
	}
	return e.WithContext("state", state).
		WithUserMessage("Login to Spark AI did not complete").
		calledFrom(3).
		WithRemediation(
			"Complete the login manually in the browser window",
			"Verify SPARKAI_USERNAME and SPARKAI_PASSWORD",
			"Approve the MFA push notification when prompted",
		)
}

// Timeout reports that a bounded wait expired.
func Timeout(stage string, budget time.Duration) *Error {
	return New(ErrCodeTimeout, fmt.Sprintf("%s did not finish within %s", stage, budget)).
		WithContext("stage", stage).
		WithRetryable(true).
		WithUserMessage(fmt.Sprintf("Timed out waiting for %s", stage)).
		calledFrom(3).
		WithRemediation("Increase the response timeout or retry the request")
}

// Extraction reports that every extraction strategy yielded nothing.
func Extraction(tried []string) *Error {
	return New(ErrCodeExtraction, "no response text could be extracted").
		WithContext("strategies", strings.Join(tried, ",")).
		WithUserMessage("Could not read the response from the page").
		calledFrom(3)
}

// SessionLost reports that a session's handle stopped responding mid-call.
func SessionLost(sessionID string, err error) *Error {
	return Wrap(orUnknown(err), ErrCodeSessionLost, "browser session lost").
		WithContext("session", sessionID).
		WithRetryable(true).
		WithUserMessage("The browser session was lost; it will be recreated on the next request").
		calledFrom(3)
}

// InvalidInput reports a caller error.
func InvalidInput(message string) *Error {
	return New(ErrCodeInvalidInput, message).WithUserMessage(message).calledFrom(3)
}

func orUnknown(err error) error {
	if err == nil {
		return fmt.Errorf("unknown cause")
	}
	return err
}

// calledFrom points Origin at the caller of a kind constructor.
func (e *Error) calledFrom(skip int) *Error {
	e.Origin = origin(skip)
	return e
}
