// Package chat is the single entry point for sending a message to Spark AI:
// it borrows a session from the pool, makes sure it is logged in, runs the
// exchange and records the outcome.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/auth"
	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/cookies"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/exchange"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuthOptions carries the credentials for one call. They are used for the
// login attempt only and never stored.
type AuthOptions struct {
	Username    string
	Password    string
	NoAutoLogin bool
}

func (a AuthOptions) String() string {
	return fmt.Sprintf("AuthOptions{Username: %q, HasPassword: %t, NoAutoLogin: %t}", a.Username, a.Password != "", a.NoAutoLogin)
}

func (a AuthOptions) credentials() *auth.Credentials {
	if a.NoAutoLogin {
		return nil
	}
	return &auth.Credentials{Username: a.Username, Secret: a.Password}
}

// Options tunes one SendAndReceive call.
type Options struct {
	// Timeout bounds the whole call; zero leaves it to the protocol budgets.
	Timeout time.Duration
	Auth    AuthOptions
	// NewThread starts a fresh conversation instead of resuming one.
	NewThread bool
	// ThreadID resumes a specific conversation.
	ThreadID      string
	Headless      bool
	ForceNew      bool
	AttachAddress string
	// KeepOpen keeps the browser after the call even when the client closes
	// sessions after each call.
	KeepOpen bool
}

// Result is the outcome of one call in the shape callers report it.
type Result struct {
	Response string          `json:"response"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	ThreadID string          `json:"thread_id,omitempty"`
	Method   exchange.Method `json:"-"`
	Signal   exchange.Signal `json:"-"`
	Elapsed  time.Duration   `json:"-"`
}

// AttachInfo describes a browser reached by AttachOnly.
type AttachInfo struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Ledger persists exchange metadata.
type Ledger interface {
	RecordExchange(ctx context.Context, rec storage.ExchangeRecord) (string, error)
	SessionThread(ctx context.Context, id string) (string, error)
}

// Journal receives per-session audit events.
type Journal interface {
	Log(event logging.Event) error
}

// Config holds the façade settings that are not per call.
type Config struct {
	BaseURL string
	// CookieFile, when set, is loaded into new sessions and rewritten after
	// each fresh login.
	CookieFile string
	// CloseAfterCall destroys the session after calls that did not ask to
	// keep it open.
	CloseAfterCall bool
}

// Client sends messages through pooled browser sessions.
type Client struct {
	pool     *session.Pool
	auth     *auth.Machine
	protocol *exchange.Protocol
	cfg      Config

	ledger  Ledger
	journal Journal
	watcher *cookies.Watcher
	logger  *slog.Logger
	hub     *telemetry.Hub
	clock   browser.Clock

	mu sync.Mutex
	// prepared remembers which Session value has been set up for each id and
	// the cookie file version it last saw, so replaced sessions are prepared
	// again.
	prepared map[string]preparedSession
}

type preparedSession struct {
	s             *session.Session
	cookieVersion uint64
}

// Option customises a Client.
type Option func(*Client)

func WithLedger(l Ledger) Option { return func(c *Client) { c.ledger = l } }

func WithJournal(j Journal) Option { return func(c *Client) { c.journal = j } }

// WithCookieWatcher re-applies the cookie file to idle sessions after it
// changes on disk.
func WithCookieWatcher(w *cookies.Watcher) Option { return func(c *Client) { c.watcher = w } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithTelemetry(hub *telemetry.Hub) Option { return func(c *Client) { c.hub = hub } }

func WithClock(clock browser.Clock) Option { return func(c *Client) { c.clock = clock } }

// New wires a client over an injected pool, auth machine and protocol.
func New(pool *session.Pool, machine *auth.Machine, protocol *exchange.Protocol, cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = exchange.DefaultChatURL
	}
	c := &Client{
		pool:     pool,
		auth:     machine,
		protocol: protocol,
		cfg:      cfg,
		clock:    browser.SystemClock{},
		prepared: make(map[string]preparedSession),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	return c
}

// SendAndReceive sends text in the session named sessionID and returns the
// answer. The Result is always filled; err carries the typed failure.
func (c *Client) SendAndReceive(ctx context.Context, sessionID, text string, opts Options) (res Result, err error) {
	if strings.TrimSpace(text) == "" {
		err = apperrors.InvalidInput("No message provided")
		return errorResult(err), err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "chat.SendAndReceive",
		observability.AttrSessionID.String(session.NormalizeID(sessionID)),
		observability.AttrChars.Int(len([]rune(text))),
	)
	defer func() { observability.End(span, err) }()

	start := c.clock.Now()
	s, err := c.pool.Acquire(ctx, sessionID, session.Options{
		Headless:            opts.Headless,
		ForceNew:            opts.ForceNew,
		RemoteAttachAddress: opts.AttachAddress,
	})
	if err != nil {
		err = deadlineError(ctx, err, callBudget(opts, c.clock.Now().Sub(start)))
		c.journalError(session.NormalizeID(sessionID), logging.CategorySession, "acquire_failed", err)
		res = errorResult(err)
		res.Elapsed = c.clock.Now().Sub(start)
		return res, err
	}
	defer c.finish(s, opts)

	resp, err := c.run(ctx, s, text, opts)
	elapsed := c.clock.Now().Sub(start)
	if err != nil {
		err = deadlineError(ctx, err, callBudget(opts, elapsed))
		if browser.IsConnectionError(err) {
			c.pool.Invalidate(s.ID)
			err = apperrors.SessionLost(s.ID, err)
		}
		c.record(ctx, s, text, start, elapsed, exchange.Response{}, err)
		res = errorResult(err)
		res.ThreadID = s.ThreadID()
		res.Elapsed = elapsed
		return res, err
	}

	if resp.ThreadID != "" {
		s.SetThreadID(resp.ThreadID)
	}
	resp.ThreadID = s.ThreadID()
	c.record(ctx, s, text, start, elapsed, resp, nil)
	return Result{
		Response: resp.Text,
		Status:   StatusSuccess,
		ThreadID: resp.ThreadID,
		Method:   resp.Method,
		Signal:   resp.Signal,
		Elapsed:  elapsed,
	}, nil
}

func (c *Client) run(ctx context.Context, s *session.Session, text string, opts Options) (exchange.Response, error) {
	creds := opts.Auth.credentials()
	logger := logging.WithSession(c.logger, s.ID)

	if err := c.prepare(ctx, s, opts, logger); err != nil {
		return exchange.Response{}, err
	}

	if err := c.ensureAuth(ctx, s, creds, logger); err != nil {
		return exchange.Response{}, err
	}

	return c.protocol.Exchange(ctx, s.Handle, exchange.Request{
		SessionID: s.ID,
		ThreadID:  s.ThreadID(),
		Text:      text,
		Reauth: func(ctx context.Context, _ browser.Handle) error {
			s.SetAuthenticated(false)
			return c.ensureAuth(ctx, s, creds, logger)
		},
	})
}

// prepare positions the page for the call. A session seen for the first
// time gets the cookie file and its thread; a known one only moves when the
// caller asks for another thread or the cookie file changed.
func (c *Client) prepare(ctx context.Context, s *session.Session, opts Options, logger *slog.Logger) error {
	c.mu.Lock()
	prev, known := c.prepared[s.ID]
	c.mu.Unlock()
	fresh := !known || prev.s != s

	version := c.cookieVersion()
	reloadCookies := !fresh && version != prev.cookieVersion

	thread := normalizeThread(opts.ThreadID)
	if fresh && thread == "" && !opts.NewThread {
		thread = c.resumeThread(ctx, s.ID, logger)
	}

	if (fresh || reloadCookies) && c.cfg.CookieFile != "" {
		if err := c.loadCookies(ctx, s, logger); err != nil {
			return err
		}
	}

	target := ""
	switch {
	case opts.NewThread:
		target = exchange.ThreadURL(c.cfg.BaseURL, "")
		s.SetThreadID("")
	case thread != "" && (fresh || thread != s.ThreadID()):
		target = exchange.ThreadURL(c.cfg.BaseURL, thread)
		s.SetThreadID(thread)
	case fresh || reloadCookies:
		target = exchange.ThreadURL(c.cfg.BaseURL, s.ThreadID())
	}
	if target != "" && !(fresh && s.Attached && thread == "" && !opts.NewThread && c.onChat(ctx, s)) {
		logger.Debug("navigating", "thread_id", s.ThreadID())
		if err := s.Handle.Navigate(ctx, target); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.prepared[s.ID] = preparedSession{s: s, cookieVersion: version}
	c.mu.Unlock()
	return nil
}

// onChat reports whether an attached browser already shows the chat, so
// attaching does not throw away the operator's page.
func (c *Client) onChat(ctx context.Context, s *session.Session) bool {
	current, err := s.Handle.CurrentURL(ctx)
	if err != nil {
		return false
	}
	if id := exchange.ThreadIDFromURL(current); id != "" {
		s.SetThreadID(id)
	}
	return !exchange.NeedsReauth(current, c.cfg.BaseURL)
}

func (c *Client) resumeThread(ctx context.Context, id string, logger *slog.Logger) string {
	if c.ledger == nil {
		return ""
	}
	thread, err := c.ledger.SessionThread(ctx, id)
	if err != nil {
		logger.Warn("ledger thread lookup failed", "error", err)
		return ""
	}
	if thread != "" {
		logger.Info("resuming thread", "thread_id", thread)
	}
	return thread
}

func (c *Client) loadCookies(ctx context.Context, s *session.Session, logger *slog.Logger) error {
	jar, err := cookies.Load(c.cfg.CookieFile)
	if err != nil {
		// A missing or unreadable cookie file only means a fresh login.
		logger.Info("cookie file not loaded", "error", err)
		return nil
	}
	if len(jar) == 0 {
		return nil
	}
	res, err := cookies.Apply(ctx, s.Handle, jar, c.cfg.BaseURL, logger)
	if err != nil {
		return err
	}
	c.hub.Emit(telemetry.EventCookiesLoaded, s.ID, map[string]any{
		"added":   res.Added,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	})
	c.journalInfo(s.ID, logging.CategoryCookies, "cookies_loaded", "cookies applied", map[string]any{
		"added":   res.Added,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	})
	return nil
}

func (c *Client) ensureAuth(ctx context.Context, s *session.Session, creds *auth.Credentials, logger *slog.Logger) error {
	res, err := c.auth.Ensure(ctx, s.Handle, s.ID, creds)
	if err != nil {
		s.SetAuthenticated(false)
		c.journalError(s.ID, logging.CategoryAuth, "auth_failed", err)
		return err
	}
	s.SetAuthenticated(true)
	if !res.Fresh {
		return nil
	}
	c.journalInfo(s.ID, logging.CategoryAuth, "authenticated", "login completed", map[string]any{
		"method": string(res.Method),
	})
	if c.cfg.CookieFile != "" {
		c.saveCookies(ctx, s, logger)
	}
	return nil
}

func (c *Client) saveCookies(ctx context.Context, s *session.Session, logger *slog.Logger) {
	jar, err := cookies.Capture(ctx, s.Handle)
	if err != nil {
		logger.Warn("cookie capture failed", "error", err)
		return
	}
	if err := cookies.Save(c.cfg.CookieFile, jar); err != nil {
		logger.Warn("cookie save failed", "error", err)
		return
	}
	if c.watcher != nil {
		c.watcher.Sync()
	}
	c.hub.Emit(telemetry.EventCookiesSaved, s.ID, map[string]any{"count": len(jar)})
	logger.Info("cookies saved", "count", len(jar))
}

func (c *Client) cookieVersion() uint64 {
	if c.watcher == nil {
		return 0
	}
	return c.watcher.Version()
}

// finish hands the session back, or destroys it when calls do not keep
// browsers around.
func (c *Client) finish(s *session.Session, opts Options) {
	if c.cfg.CloseAfterCall && !opts.KeepOpen {
		if err := c.pool.Destroy(s.ID); err != nil {
			c.logger.Warn("session close failed", "session_id", s.ID, "error", err)
		}
		c.forget(s.ID)
		return
	}
	c.pool.Release(s.ID)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.prepared, id)
	c.mu.Unlock()
}

func (c *Client) record(ctx context.Context, s *session.Session, text string, start time.Time, elapsed time.Duration, resp exchange.Response, callErr error) {
	rec := storage.ExchangeRecord{
		SessionID:     s.ID,
		ThreadID:      s.ThreadID(),
		StartedAt:     start,
		Duration:      elapsed,
		Status:        storage.StatusSuccess,
		Signal:        string(resp.Signal),
		Method:        string(resp.Method),
		MessageChars:  len([]rune(text)),
		ResponseChars: len([]rune(resp.Text)),
	}
	details := map[string]any{
		"duration_ms":    elapsed.Milliseconds(),
		"message_chars":  rec.MessageChars,
		"response_chars": rec.ResponseChars,
	}
	if callErr != nil {
		rec.Status = storage.StatusError
		rec.ErrorCode = string(apperrors.GetCode(callErr))
		details["error_code"] = rec.ErrorCode
		c.hub.Emit(telemetry.EventExchangeFailed, s.ID, details)
		c.journalError(s.ID, logging.CategoryExchange, "exchange_failed", callErr)
	} else {
		details["method"] = rec.Method
		details["signal"] = rec.Signal
		c.hub.Emit(telemetry.EventExchangeCompleted, s.ID, details)
		c.journalInfo(s.ID, logging.CategoryExchange, "exchange_completed", "response received", details)
	}

	if c.ledger == nil {
		return
	}
	// The call may have been cancelled; the ledger row is still wanted.
	ledgerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.ledger.RecordExchange(ledgerCtx, rec); err != nil {
		c.logger.Warn("ledger write failed", "session_id", s.ID, "error", err)
	}
}

// AttachOnly connects to a running Chrome and reports where it is, without
// sending anything.
func (c *Client) AttachOnly(ctx context.Context, sessionID, address string) (AttachInfo, error) {
	s, err := c.pool.Acquire(ctx, sessionID, session.Options{RemoteAttachAddress: address})
	if err != nil {
		return AttachInfo{}, err
	}
	defer c.pool.Release(s.ID)

	current, err := s.Handle.CurrentURL(ctx)
	if err != nil {
		if browser.IsConnectionError(err) {
			c.pool.Invalidate(s.ID)
			return AttachInfo{}, apperrors.SessionLost(s.ID, err)
		}
		return AttachInfo{}, err
	}
	info := AttachInfo{SessionID: s.ID, URL: current, ThreadID: exchange.ThreadIDFromURL(current)}
	if info.ThreadID != "" {
		s.SetThreadID(info.ThreadID)
	}
	return info, nil
}

// Sessions lists the pooled sessions.
func (c *Client) Sessions() []session.Info {
	return c.pool.Active()
}

// Destroy closes one session's browser.
func (c *Client) Destroy(id string) error {
	c.forget(session.NormalizeID(id))
	return c.pool.Destroy(id)
}

// Close stops the cookie watcher and closes every session.
func (c *Client) Close() error {
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			c.logger.Debug("cookie watcher close failed", "error", err)
		}
	}
	return c.pool.Close()
}

func (c *Client) journalInfo(sessionID string, category logging.Category, eventType, message string, details map[string]any) {
	if c.journal == nil {
		return
	}
	_ = c.journal.Log(logging.Event{
		Level:     logging.LevelInfo,
		Category:  category,
		EventType: eventType,
		SessionID: sessionID,
		Message:   message,
		Details:   details,
	})
}

func (c *Client) journalError(sessionID string, category logging.Category, eventType string, err error) {
	if c.journal == nil {
		return
	}
	_ = c.journal.Log(logging.Event{
		Level:     logging.LevelError,
		Category:  category,
		EventType: eventType,
		SessionID: sessionID,
		Message:   err.Error(),
		Details:   map[string]any{"code": string(apperrors.GetCode(err))},
	})
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Error: apperrors.UserMessage(err)}
}

// deadlineError reports an expired call deadline as a TIMEOUT error. Errors
// that already carry the TIMEOUT code pass through unchanged.
func deadlineError(ctx context.Context, err error, budget time.Duration) error {
	if err == nil || apperrors.IsCode(err, apperrors.ErrCodeTimeout) {
		return err
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	e := apperrors.Timeout("the response", budget)
	e.Underlying = err
	return e
}

// callBudget is the caller's Timeout, or how long the call ran when the
// deadline came from the parent context.
func callBudget(opts Options, elapsed time.Duration) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return elapsed.Round(time.Millisecond)
}

func normalizeThread(id string) string {
	id = strings.TrimSpace(id)
	switch strings.ToLower(id) {
	case "none", "null", "nil":
		return ""
	}
	return id
}
