// Package exchange sends a prompt into the chat page, detects when the
// streamed answer has finished and extracts its text.
package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// State is a step of one exchange.
type State string

const (
	StateIdle               State = "idle"
	StateReauthNeeded       State = "reauth_needed"
	StateSending            State = "sending"
	StateAwaitingCompletion State = "awaiting_completion"
	StateExtracting         State = "extracting"
	StateDone               State = "done"
)

// Config holds the protocol timings.
type Config struct {
	// ChatURL is the chat landing page; thread pages live beneath it.
	ChatURL           string
	PromptTimeout     time.Duration
	LineDelay         time.Duration
	SendButtonTimeout time.Duration
	PulseTimeout      time.Duration
	// StepAttempts bounds retries of a send step that hit a missing or stale element.
	StepAttempts int
	StepBackoff  time.Duration
	// SubTimeout is how long the indicator and marker signals are trusted
	// alone before content stabilization is also polled.
	SubTimeout      time.Duration
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	CopyDelay       time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ChatURL:           DefaultChatURL,
		PromptTimeout:     8 * time.Second,
		LineDelay:         100 * time.Millisecond,
		SendButtonTimeout: 2 * time.Second,
		PulseTimeout:      2 * time.Second,
		StepAttempts:      3,
		StepBackoff:       500 * time.Millisecond,
		SubTimeout:        60 * time.Second,
		ResponseTimeout:   120 * time.Second,
		PollInterval:      500 * time.Millisecond,
		SettleDelay:       2 * time.Second,
		CopyDelay:         500 * time.Millisecond,
	}
}

// Response is a completed answer.
type Response struct {
	Text     string `json:"text"`
	Method   Method `json:"method"`
	Signal   Signal `json:"signal"`
	ThreadID string `json:"thread_id,omitempty"`
}

// ReauthFunc restores an authenticated chat page after the protocol found the
// browser on a login page.
type ReauthFunc func(ctx context.Context, h browser.Handle) error

// Request is one message to send.
type Request struct {
	SessionID string
	// ThreadID is revisited when the page has to be re-authenticated.
	ThreadID string
	Text     string
	Reauth   ReauthFunc
}

// Protocol runs exchanges. It holds no per-session state, so one Protocol
// serves every session; callers must not run two exchanges on the same handle
// at once.
type Protocol struct {
	cfg        Config
	sel        Selectors
	clock      browser.Clock
	poller     browser.Poller
	strategies []Strategy
	logger     *slog.Logger
	hub        *telemetry.Hub
}

// Option customises a Protocol.
type Option func(*Protocol)

func WithSelectors(s Selectors) Option { return func(p *Protocol) { p.sel = s } }

func WithClock(c browser.Clock) Option { return func(p *Protocol) { p.clock = c } }

// WithStrategies replaces the extraction cascade.
func WithStrategies(s ...Strategy) Option { return func(p *Protocol) { p.strategies = s } }

func WithLogger(l *slog.Logger) Option { return func(p *Protocol) { p.logger = l } }

func WithTelemetry(hub *telemetry.Hub) Option { return func(p *Protocol) { p.hub = hub } }

// NewProtocol builds a protocol. Without WithStrategies the cascade reads the
// system clipboard first.
func NewProtocol(cfg Config, opts ...Option) *Protocol {
	def := DefaultConfig()
	if cfg.ChatURL == "" {
		cfg.ChatURL = def.ChatURL
	}
	if cfg.StepAttempts <= 0 {
		cfg.StepAttempts = def.StepAttempts
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.SubTimeout <= 0 || cfg.SubTimeout > cfg.ResponseTimeout {
		cfg.SubTimeout = cfg.ResponseTimeout
	}
	p := &Protocol{
		cfg:        cfg,
		sel:        DefaultSelectors(),
		clock:      browser.SystemClock{},
		strategies: DefaultStrategies(SystemClipboard{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.poller = browser.NewPoller(p.clock, cfg.PollInterval)
	p.logger = logging.OrDiscard(p.logger)
	return p
}

// Config returns the effective timings.
func (p *Protocol) Config() Config { return p.cfg }

// Exchange sends req.Text and returns the answer. A page that has drifted to
// a login screen is sent back to the thread and handed to req.Reauth first.
func (p *Protocol) Exchange(ctx context.Context, h browser.Handle, req Request) (Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Response{}, apperrors.InvalidInput("No message provided")
	}
	logger := logging.WithSession(p.logger, req.SessionID)

	if err := p.ensureChat(ctx, h, req, logger); err != nil {
		return Response{}, err
	}

	baseline := browser.Count(ctx, h, p.sel.CopyButton)
	p.hub.Emit(telemetry.EventExchangeStarted, req.SessionID, map[string]any{
		"message_chars": len([]rune(req.Text)),
		"markers":       baseline,
	})

	p.transition(logger, StateIdle, StateSending)
	if err := p.Send(ctx, h, req.Text); err != nil {
		return Response{}, err
	}

	p.transition(logger, StateSending, StateAwaitingCompletion)
	signal, err := p.AwaitCompletion(ctx, h, req.SessionID, baseline)
	if err != nil {
		return Response{}, err
	}

	p.transition(logger, StateAwaitingCompletion, StateExtracting)
	text, method, err := p.Extract(ctx, h, req.SessionID)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Text: text, Method: method, Signal: signal}
	if current, err := h.CurrentURL(ctx); err == nil {
		resp.ThreadID = ThreadIDFromURL(current)
	}
	p.transition(logger, StateExtracting, StateDone)
	return resp, nil
}

func (p *Protocol) ensureChat(ctx context.Context, h browser.Handle, req Request, logger *slog.Logger) error {
	current, err := h.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if !NeedsReauth(current, p.cfg.ChatURL) {
		return nil
	}
	p.transition(logger, StateIdle, StateReauthNeeded)
	p.hub.Emit(telemetry.EventExchangeReauthNeed, req.SessionID, map[string]any{"thread_id": req.ThreadID})

	if err := h.Navigate(ctx, ThreadURL(p.cfg.ChatURL, req.ThreadID)); err != nil {
		return err
	}
	if req.Reauth == nil {
		return nil
	}
	return req.Reauth(ctx, h)
}

func (p *Protocol) transition(logger *slog.Logger, from, to State) {
	logger.Debug("exchange state", "from", string(from), "to", string(to))
}
