package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Options selects how a missing session is built.
type Options struct {
	Headless bool
	// ForceNew replaces a live session instead of reusing it.
	ForceNew bool
	// RemoteAttachAddress attaches to an already running Chrome (host:port)
	// instead of launching one.
	RemoteAttachAddress string
}

// Config tunes handle construction.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	// Launch is the template for local launches; Headless is taken from Options.
	Launch browser.LaunchOptions
}

// DefaultConfig returns three attempts two seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryBackoff: 2 * time.Second,
		Launch:       browser.DefaultLaunchOptions(),
	}
}

// Ledger records constructed sessions.
type Ledger interface {
	UpsertSession(ctx context.Context, rec storage.SessionRecord) error
}

// Pool holds at most one Session per id.
type Pool struct {
	launcher browser.Launcher
	cfg      Config
	clock    browser.Clock
	logger   *slog.Logger
	hub      *telemetry.Hub
	metrics  *browser.Metrics
	ledger   Ledger

	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group
}

// Option customises a Pool.
type Option func(*Pool)

func WithClock(c browser.Clock) Option { return func(p *Pool) { p.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

func WithTelemetry(hub *telemetry.Hub) Option { return func(p *Pool) { p.hub = hub } }

// WithMetrics instruments every handle the pool builds.
func WithMetrics(m *browser.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithLedger records each new session.
func WithLedger(l Ledger) Option { return func(p *Pool) { p.ledger = l } }

// NewPool returns an empty pool building handles through launcher.
func NewPool(launcher browser.Launcher, cfg Config, opts ...Option) *Pool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	p := &Pool{
		launcher: launcher,
		cfg:      cfg,
		clock:    browser.SystemClock{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDiscard(p.logger)
	return p
}

// Acquire returns the live session for id, building one when it is absent,
// unresponsive or marked lost. A blank id gets a fresh generated id.
func (p *Pool) Acquire(ctx context.Context, id string, opts Options) (_ *Session, err error) {
	id = NormalizeID(id)
	if id == "" {
		id = GenerateSessionID("spark")
	}
	ctx, span := observability.StartSpan(ctx, "session.Acquire",
		observability.AttrSessionID.String(id),
		observability.AttrHeadless.Bool(opts.Headless),
	)
	defer func() { observability.End(span, err) }()

	if s := p.lookup(id); s != nil {
		switch {
		case opts.ForceNew:
			p.logger.Info("replacing session on request", "session_id", id)
			p.purge(id, s, telemetry.EventSessionDestroyed, "force_new")
		case s.isLost() || !s.Handle.IsResponsive(ctx):
			p.logger.Warn("session unresponsive, recreating", "session_id", id)
			p.purge(id, s, telemetry.EventSessionRecovered, "unresponsive")
		default:
			s.touch(p.clock.Now(), true)
			p.hub.Emit(telemetry.EventSessionReused, id, nil)
			return s, nil
		}
	}

	v, err, _ := p.group.Do(id, func() (any, error) {
		if s := p.lookup(id); s != nil && !s.isLost() {
			return s, nil
		}
		return p.construct(ctx, id, opts)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	s.touch(p.clock.Now(), true)
	return s, nil
}

func (p *Pool) construct(ctx context.Context, id string, opts Options) (*Session, error) {
	launch := p.cfg.Launch
	launch.Headless = opts.Headless
	attach := opts.RemoteAttachAddress != ""

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var (
			h   browser.Handle
			err error
		)
		if attach {
			h, err = p.launcher.Attach(ctx, opts.RemoteAttachAddress)
		} else {
			h, err = p.launcher.Launch(ctx, launch)
		}
		if err == nil {
			return p.register(ctx, id, h, launch.Headless && !attach, attach, attempt), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("browser construction failed",
			"session_id", id,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"error", err,
		)
		if !attach && !launch.Headless && browser.IsRendererFailure(err) {
			p.logger.Info("renderer unreachable, retrying headless", "session_id", id)
			launch.Headless = true
			launch.Viewport = browser.Viewport{}
		}
		p.hub.Emit(telemetry.EventSessionRetry, id, map[string]any{
			"attempt":  attempt,
			"headless": launch.Headless,
		})
		if attempt < p.cfg.MaxAttempts {
			if err := p.clock.Sleep(ctx, p.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, apperrors.HandleInit(lastErr, p.cfg.MaxAttempts).WithContext("session", id)
}

func (p *Pool) register(ctx context.Context, id string, h browser.Handle, headless, attached bool, attempt int) *Session {
	now := p.clock.Now()
	s := &Session{
		ID:         id,
		Handle:     browser.Instrument(h, p.metrics, id),
		CreatedAt:  now,
		Headless:   headless,
		Attached:   attached,
		lastActive: now,
	}

	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	p.logger.Info("session created", "session_id", id, "headless", headless, "attached", attached, "attempt", attempt)
	p.hub.Emit(telemetry.EventSessionCreated, id, map[string]any{
		"headless": headless,
		"attached": attached,
		"attempt":  attempt,
	})
	observability.AddEvent(ctx, "session.created", observability.AttrAttempt.Int(attempt))

	if p.ledger != nil {
		if err := p.ledger.UpsertSession(ctx, Record(s.Info())); err != nil {
			p.logger.Warn("session not recorded", "session_id", id, "error", err)
		}
	}
	return s
}

// Record converts a session view into its ledger row.
func Record(info Info) storage.SessionRecord {
	return storage.SessionRecord{
		ID:           info.ID,
		ThreadID:     info.ThreadID,
		Headless:     info.Headless,
		Attached:     info.Attached,
		CreatedAt:    info.CreatedAt,
		LastActiveAt: info.LastActiveAt,
	}
}

func (p *Pool) lookup(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

// purge removes s if it is still the session for id and closes its handle
// best-effort.
func (p *Pool) purge(id string, s *Session, event telemetry.EventType, reason string) {
	p.mu.Lock()
	if cur, ok := p.sessions[id]; ok && cur == s {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if err := s.Handle.Close(); err != nil {
		p.logger.Debug("closing stale handle failed", "session_id", id, "error", err)
	}
	p.hub.Emit(event, id, map[string]any{"reason": reason})
}

// Get returns the session for id without touching it.
func (p *Pool) Get(id string) (*Session, bool) {
	s := p.lookup(NormalizeID(id))
	return s, s != nil
}

// Release marks the session idle. The browser stays open. It reports whether
// id was known.
func (p *Pool) Release(id string) bool {
	id = NormalizeID(id)
	s := p.lookup(id)
	if s == nil {
		return false
	}
	s.touch(p.clock.Now(), false)
	p.hub.Emit(telemetry.EventSessionReleased, id, nil)
	return true
}

// Invalidate marks the session lost so the next Acquire rebuilds it.
func (p *Pool) Invalidate(id string) {
	if s := p.lookup(NormalizeID(id)); s != nil {
		s.markLost()
	}
}

// Destroy closes the session's browser and forgets it. Unknown ids are a no-op.
func (p *Pool) Destroy(id string) error {
	id = NormalizeID(id)
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.hub.Emit(telemetry.EventSessionDestroyed, id, map[string]any{"reason": "destroy"})
	p.logger.Info("session destroyed", "session_id", id)
	if err := s.Handle.Close(); err != nil {
		return browser.WrapError("close", err)
	}
	return nil
}

// Active lists the sessions currently held, ordered by id.
func (p *Pool) Active() []Info {
	p.mu.Lock()
	list := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		list = append(list, s)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close destroys every session concurrently and returns the first error.
func (p *Pool) Close() error {
	var g errgroup.Group
	for _, info := range p.Active() {
		id := info.ID
		g.Go(func() error { return p.Destroy(id) })
	}
	return g.Wait()
}
