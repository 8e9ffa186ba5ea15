package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Config bounds every automatic wait of the login flow.
type Config struct {
	// AutoLogin fills the SSO form when credentials are available.
	AutoLogin bool
	// EntryTimeout is how long the authenticated marker is awaited on entry.
	EntryTimeout time.Duration
	// FormTimeout bounds each login form step.
	FormTimeout time.Duration
	// ChallengeDetect is the window in which an MFA challenge must appear.
	ChallengeDetect time.Duration
	// ChallengeTimeout bounds each wait for MFA approval.
	ChallengeTimeout time.Duration
	// ManualTimeout bounds the operator fallback before failing.
	ManualTimeout time.Duration
	PollInterval  time.Duration
	FieldDelay    time.Duration
	StepDelay     time.Duration
	SwitchDelay   time.Duration
	// ChatURLMarker identifies the chat application in a URL.
	ChatURLMarker string
	// ScreenshotDir receives a screenshot when automatic login fails.
	ScreenshotDir string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		AutoLogin:        true,
		EntryTimeout:     5 * time.Second,
		FormTimeout:      30 * time.Second,
		ChallengeDetect:  3 * time.Second,
		ChallengeTimeout: 30 * time.Second,
		ManualTimeout:    120 * time.Second,
		PollInterval:     500 * time.Millisecond,
		FieldDelay:       500 * time.Millisecond,
		StepDelay:        time.Second,
		SwitchDelay:      2 * time.Second,
		ChatURLMarker:    "spark.unimelb.edu.au/securechat",
	}
}

// Machine runs the login state machine against a page.
type Machine struct {
	cfg      Config
	sel      Selectors
	clock    browser.Clock
	poller   browser.Poller
	operator Operator
	logger   *slog.Logger
	hub      *telemetry.Hub
}

// Option customises a Machine.
type Option func(*Machine)

func WithSelectors(s Selectors) Option { return func(m *Machine) { m.sel = s } }

func WithClock(c browser.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithOperator(o Operator) Option { return func(m *Machine) { m.operator = o } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithTelemetry(hub *telemetry.Hub) Option { return func(m *Machine) { m.hub = hub } }

// NewMachine builds a machine. Without an operator, manual waits only end
// when the page shows the chat or the budget expires.
func NewMachine(cfg Config, opts ...Option) *Machine {
	m := &Machine{
		cfg:      cfg,
		sel:      DefaultSelectors(),
		clock:    browser.SystemClock{},
		operator: BlockingOperator{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger)
	m.poller = browser.NewPoller(m.clock, cfg.PollInterval)
	return m
}

// Config returns the machine configuration.
func (m *Machine) Config() Config { return m.cfg }

// Ensure brings the page to the authenticated state. An already
// authenticated page returns immediately. Without credentials or with auto
// login disabled the operator is waited for with no deadline.
func (m *Machine) Ensure(ctx context.Context, h browser.Handle, sessionID string, creds *Credentials) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "auth.Ensure", observability.AttrSessionID.String(sessionID))
	defer func() {
		span.SetAttributes(observability.AttrAuthState.String(res.State.String()))
		observability.End(span, err)
	}()

	a := &attempt{m: m, h: h, sessionID: sessionID}
	a.res.Transitions = []State{StateUnknown}
	m.logger.Debug("ensuring authentication",
		"session_id", sessionID,
		"has_credentials", creds.Valid(),
		"auto_login", m.cfg.AutoLogin,
	)

	ok, err := a.waitMarker(ctx, m.cfg.EntryTimeout)
	if err != nil {
		return a.abort(ctx, err)
	}
	if ok {
		a.res.Method = MethodAlreadyAuthenticated
		a.to(ctx, StateAuthenticated)
		return a.res, nil
	}
	a.res.Fresh = true

	if !m.cfg.AutoLogin || !creds.Valid() {
		return a.operatorOnly(ctx)
	}
	return a.login(ctx, *creds)
}

type formKind int

const (
	formNone formKind = iota
	formSSO
	formGeneric
	formGone // the chat appeared while looking for a form
)

type attempt struct {
	m         *Machine
	h         browser.Handle
	sessionID string
	state     State
	res       Result
}

func (a *attempt) to(ctx context.Context, s State) {
	from := a.state
	a.state = s
	a.res.State = s
	a.res.Transitions = append(a.res.Transitions, s)
	a.m.logger.Info("auth transition", "session_id", a.sessionID, "from", from.String(), "to", s.String())
	a.m.hub.Emit(telemetry.EventAuthTransition, a.sessionID, map[string]any{"from": from.String(), "to": s.String()})
	observability.AddEvent(ctx, "auth.transition", observability.AttrAuthState.String(s.String()))
}

func (a *attempt) succeed(ctx context.Context, method Method) (Result, error) {
	a.res.Method = method
	a.to(ctx, StateAuthenticated)
	return a.res, nil
}

// abort ends the attempt on cancellation or a lost browser.
func (a *attempt) abort(ctx context.Context, err error) (Result, error) {
	a.to(ctx, StateFailed)
	return a.res, err
}

func (a *attempt) operatorOnly(ctx context.Context) (Result, error) {
	a.m.hub.Emit(telemetry.EventAuthManualWait, a.sessionID, map[string]any{"bounded": false})
	seen, confirmed, err := a.awaitOperator(ctx, "Log in to Spark AI in the browser window.", 0)
	if err != nil {
		return a.abort(ctx, err)
	}
	if seen {
		return a.succeed(ctx, MethodOperator)
	}
	if confirmed {
		if ok, err := a.waitMarker(ctx, a.m.cfg.EntryTimeout); err != nil {
			return a.abort(ctx, err)
		} else if ok {
			return a.succeed(ctx, MethodOperator)
		}
	}
	return a.fail(ctx, false, false)
}

func (a *attempt) login(ctx context.Context, creds Credentials) (Result, error) {
	kind, err := a.detectForm(ctx)
	if err != nil {
		return a.abort(ctx, err)
	}
	switch kind {
	case formGone:
		return a.succeed(ctx, MethodAlreadyAuthenticated)
	case formNone:
		a.m.logger.Warn("no login form found", "session_id", a.sessionID)
		return a.fail(ctx, false, true)
	}
	a.to(ctx, StateLoginFormDetected)

	submitted := false
	if kind == formSSO {
		err := a.submitSSO(ctx, creds)
		if err == nil {
			submitted = true
		} else if isFatal(ctx, err) {
			return a.abort(ctx, err)
		} else {
			a.m.logger.Debug("sso form incomplete, trying generic form", "session_id", a.sessionID, "error", err)
		}
	}
	if !submitted {
		if err := a.submitGeneric(ctx, creds); err != nil {
			if isFatal(ctx, err) {
				return a.abort(ctx, err)
			}
			a.m.logger.Warn("credentials could not be submitted", "session_id", a.sessionID, "error", err)
			return a.fail(ctx, false, true)
		}
	}
	a.to(ctx, StateCredentialsSubmitted)
	return a.challenge(ctx)
}

func (a *attempt) detectForm(ctx context.Context) (formKind, error) {
	sel := a.m.sel
	kind := formNone
	err := a.m.poller.Until(ctx, a.m.cfg.FormTimeout, func(ctx context.Context) (bool, error) {
		switch {
		case a.markerPresent(ctx):
			kind = formGone
		case browser.First(ctx, a.h, sel.Identifier) != nil:
			kind = formSSO
		case browser.First(ctx, a.h, sel.Password) != nil, browser.First(ctx, a.h, sel.GenericUser) != nil:
			kind = formGeneric
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil && !errors.Is(err, browser.ErrOperationTimeout) {
		return formNone, err
	}
	return kind, nil
}

var errFieldMissing = errors.New("login field not found")

func (a *attempt) submitSSO(ctx context.Context, creds Credentials) error {
	sel, cfg := a.m.sel, a.m.cfg

	id := browser.First(ctx, a.h, sel.Identifier)
	if id == nil {
		return fmt.Errorf("identifier: %w", errFieldMissing)
	}
	if err := a.fill(ctx, id, creds.Username); err != nil {
		return err
	}
	if err := a.m.clock.Sleep(ctx, cfg.FieldDelay); err != nil {
		return err
	}

	next, err := a.m.poller.WaitFor(ctx, a.h, sel.Next, cfg.FormTimeout)
	if err != nil {
		return err
	}
	if next == nil {
		return fmt.Errorf("next button: %w", errFieldMissing)
	}
	if err := a.h.Click(ctx, next); err != nil {
		return apperrors.TransientUI("click next", err)
	}
	if err := a.m.clock.Sleep(ctx, cfg.StepDelay); err != nil {
		return err
	}

	secret, err := a.firstOf(ctx, cfg.FormTimeout, sel.Passcode, sel.Password)
	if err != nil {
		return err
	}
	if secret == nil {
		return fmt.Errorf("passcode: %w", errFieldMissing)
	}
	if err := a.fill(ctx, secret, creds.Secret); err != nil {
		return err
	}

	submit, err := a.firstOf(ctx, cfg.FormTimeout, append([]browser.Query{sel.Verify}, sel.GenericSubmit...)...)
	if err != nil {
		return err
	}
	if submit == nil {
		return fmt.Errorf("verify button: %w", errFieldMissing)
	}
	if err := a.h.Click(ctx, submit); err != nil {
		return apperrors.TransientUI("click verify", err)
	}
	return nil
}

// submitGeneric fills whatever user and password fields are present and
// submits once.
func (a *attempt) submitGeneric(ctx context.Context, creds Credentials) error {
	sel := a.m.sel
	user := browser.First(ctx, a.h, sel.GenericUser)
	pass := browser.First(ctx, a.h, sel.Password)
	if user == nil && pass == nil {
		return fmt.Errorf("generic form: %w", errFieldMissing)
	}
	if user != nil {
		if err := a.fill(ctx, user, creds.Username); err != nil {
			return err
		}
	}
	if pass != nil {
		if err := a.fill(ctx, pass, creds.Secret); err != nil {
			return err
		}
	}
	for _, q := range sel.GenericSubmit {
		if btn := browser.First(ctx, a.h, q); btn != nil {
			if err := a.h.Click(ctx, btn); err != nil {
				return apperrors.TransientUI("click submit", err)
			}
			return nil
		}
	}
	if err := a.h.PressKey(ctx, browser.KeyEnter); err != nil {
		return apperrors.TransientUI("submit", err)
	}
	return nil
}

func (a *attempt) fill(ctx context.Context, el browser.Element, value string) error {
	if err := el.Clear(ctx); err != nil {
		a.m.logger.Debug("clear failed", "session_id", a.sessionID, "error", err)
	}
	if err := a.h.Type(ctx, el, value); err != nil {
		return apperrors.TransientUI("type", err)
	}
	return nil
}

// firstOf waits for the first query, in order, that matches an element.
func (a *attempt) firstOf(ctx context.Context, timeout time.Duration, queries ...browser.Query) (browser.Element, error) {
	var found browser.Element
	err := a.m.poller.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		for _, q := range queries {
			if found = browser.First(ctx, a.h, q); found != nil {
				return true, nil
			}
		}
		return false, nil
	})
	if errors.Is(err, browser.ErrOperationTimeout) {
		return nil, nil
	}
	return found, err
}

func (a *attempt) challenge(ctx context.Context) (Result, error) {
	sel, cfg := a.m.sel, a.m.cfg

	var listed, authed bool
	err := a.m.poller.Until(ctx, cfg.ChallengeDetect, func(ctx context.Context) (bool, error) {
		authed = a.markerPresent(ctx)
		listed = !authed && browser.First(ctx, a.h, sel.ChallengeList) != nil
		return authed || listed, nil
	})
	if err != nil && !errors.Is(err, browser.ErrOperationTimeout) {
		return a.abort(ctx, err)
	}
	if authed {
		return a.succeed(ctx, MethodCredentials)
	}
	if !listed {
		ok, err := a.waitMarker(ctx, cfg.FormTimeout)
		if err != nil {
			return a.abort(ctx, err)
		}
		if ok {
			return a.succeed(ctx, MethodCredentials)
		}
		return a.fail(ctx, false, true)
	}

	a.to(ctx, StateChallengePending)
	method := MethodPush
	if push := browser.First(ctx, a.h, sel.PushButton); push != nil {
		a.click(ctx, push, "push notification")
	} else if alt := browser.First(ctx, a.h, sel.MethodButtons); alt != nil {
		method = MethodAlternate
		a.click(ctx, alt, "alternate method")
	} else {
		a.m.logger.Warn("no MFA method offered; manual intervention may be required", "session_id", a.sessionID)
		return a.fail(ctx, true, true)
	}

	ok, err := a.waitMarker(ctx, cfg.ChallengeTimeout)
	if err != nil {
		return a.abort(ctx, err)
	}
	if ok {
		return a.succeed(ctx, method)
	}

	a.m.logger.Warn("MFA approval timed out, trying another method", "session_id", a.sessionID)
	if sw := browser.First(ctx, a.h, sel.SwitchMethod); sw != nil {
		a.click(ctx, sw, "choose another method")
		if err := a.m.clock.Sleep(ctx, cfg.SwitchDelay); err != nil {
			return a.abort(ctx, err)
		}
		options, _ := a.h.FindAll(ctx, sel.MethodButtons)
		if len(options) > 1 {
			a.click(ctx, options[1], "second method")
			ok, err := a.waitMarker(ctx, cfg.ChallengeTimeout)
			if err != nil {
				return a.abort(ctx, err)
			}
			if ok {
				return a.succeed(ctx, MethodAlternate)
			}
		}
	}
	return a.fail(ctx, true, true)
}

func (a *attempt) click(ctx context.Context, el browser.Element, what string) {
	if err := a.h.Click(ctx, el); err != nil {
		a.m.logger.Debug("click failed", "session_id", a.sessionID, "target", what, "error", err)
		return
	}
	a.m.logger.Info("selected "+what, "session_id", a.sessionID)
}

// fail runs the last-chance check and the bounded manual fallback before
// giving up.
func (a *attempt) fail(ctx context.Context, challenged, offerManual bool) (Result, error) {
	if a.lastChance(ctx) {
		return a.succeed(ctx, MethodHeuristic)
	}
	a.screenshot(ctx)

	if offerManual {
		budget := a.m.cfg.ManualTimeout
		a.m.hub.Emit(telemetry.EventAuthManualWait, a.sessionID, map[string]any{"bounded": true, "budget_seconds": budget.Seconds()})
		seen, confirmed, err := a.awaitOperator(ctx, "Automatic login did not finish. Complete it in the browser window.", budget)
		if err != nil {
			return a.abort(ctx, err)
		}
		if seen {
			return a.succeed(ctx, MethodOperator)
		}
		if confirmed {
			if ok, err := a.waitMarker(ctx, a.m.cfg.EntryTimeout); err != nil {
				return a.abort(ctx, err)
			} else if ok {
				return a.succeed(ctx, MethodOperator)
			}
		}
	}

	last := a.state
	a.to(ctx, StateFailed)
	if challenged {
		return a.res, apperrors.Timeout("MFA approval", a.m.cfg.ChallengeTimeout).
			WithContext("state", last.String())
	}
	return a.res, apperrors.Authentication(last.String(), nil)
}

// lastChance accepts a chat URL that already shows a prompt field.
func (a *attempt) lastChance(ctx context.Context) bool {
	if ctx.Err() != nil || a.m.cfg.ChatURLMarker == "" {
		return false
	}
	url, err := a.h.CurrentURL(ctx)
	if err != nil || !strings.Contains(url, a.m.cfg.ChatURLMarker) {
		return false
	}
	if browser.Count(ctx, a.h, a.m.sel.Marker) == 0 {
		return false
	}
	a.m.logger.Info("login appears complete despite earlier failures", "session_id", a.sessionID)
	return true
}

func (a *attempt) screenshot(ctx context.Context) {
	dir := a.m.cfg.ScreenshotDir
	if dir == "" || ctx.Err() != nil {
		return
	}
	data, err := a.h.Screenshot(ctx)
	if err != nil || len(data) == 0 {
		a.m.logger.Debug("screenshot failed", "session_id", a.sessionID, "error", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("auth-%s-%d.png", safeName(a.sessionID), a.m.clock.Now().Unix())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		a.m.logger.Debug("screenshot not saved", "session_id", a.sessionID, "error", err)
		return
	}
	a.m.logger.Info("login screenshot saved", "session_id", a.sessionID, "path", path)
}

func (a *attempt) markerPresent(ctx context.Context) bool {
	return browser.FirstVisible(ctx, a.h, a.m.sel.Marker) != nil
}

// waitMarker polls for the authenticated marker. Expiry is reported as false.
func (a *attempt) waitMarker(ctx context.Context, timeout time.Duration) (bool, error) {
	err := a.m.poller.Until(ctx, timeout, func(ctx context.Context) (bool, error) {
		return a.markerPresent(ctx), nil
	})
	if errors.Is(err, browser.ErrOperationTimeout) {
		return false, nil
	}
	return err == nil, err
}

// awaitOperator waits for the marker or an operator confirmation, whichever
// comes first. A budget of zero waits until ctx is done.
func (a *attempt) awaitOperator(ctx context.Context, prompt string, budget time.Duration) (seen, confirmed bool, err error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func(out chan<- error) { out <- a.m.operator.WaitForOperator(opCtx, prompt) }(done)
	a.m.logger.Info("waiting for operator", "session_id", a.sessionID, "budget", budget.String())

	err = a.m.poller.Until(ctx, budget, func(ctx context.Context) (bool, error) {
		if a.markerPresent(ctx) {
			seen = true
			return true, nil
		}
		select {
		case opErr := <-done:
			done = nil
			if opErr == nil {
				confirmed = true
				return true, nil
			}
			a.m.logger.Debug("operator unavailable", "session_id", a.sessionID, "error", opErr)
		default:
		}
		return false, nil
	})
	if errors.Is(err, browser.ErrOperationTimeout) {
		return false, false, nil
	}
	return seen, confirmed, err
}

// isFatal reports errors that end the attempt instead of cascading.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || browser.IsConnectionError(err)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s)
}
