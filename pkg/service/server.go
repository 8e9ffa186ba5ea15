// Package service exposes the chat façade over HTTP.
package service

import (
	"context"
	stdliberrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/sparkbridge/pkg/chat"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Chat is the part of chat.Client the service drives.
type Chat interface {
	SendAndReceive(ctx context.Context, sessionID, text string, opts chat.Options) (chat.Result, error)
	Sessions() []session.Info
	Destroy(id string) error
}

// History lists recorded exchanges.
type History interface {
	RecentExchanges(ctx context.Context, limit int) ([]storage.ExchangeRecord, error)
}

// Pinger reports whether the ledger database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config controls the HTTP listener and per-request limits.
type Config struct {
	Addr           string
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// SessionID is used when a request names no browser.
	SessionID string
	// Defaults seeds every call; requests override thread, headless and keep-open.
	Defaults chat.Options
}

// Server serves the query API.
type Server struct {
	cfg     Config
	chat    Chat
	history History
	db      Pinger
	hub     *telemetry.Hub
	logger  *slog.Logger
	metrics *Metrics
	locks   *keyedMutex
	limiter *clientLimiter

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

func WithHealthCheck(p Pinger) Option { return func(s *Server) { s.db = p } }

// WithTelemetry feeds hub events into the metrics collectors.
func WithTelemetry(hub *telemetry.Hub) Option { return func(s *Server) { s.hub = hub } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

// New builds a server around c.
func New(c Chat, cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg, chat: c, locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "service")
	if strings.TrimSpace(s.cfg.SessionID) == "" {
		s.cfg.SessionID = session.DefaultID
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(func() int { return len(c.Sessions()) })
	}
	s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	return s
}

// Metrics returns the collectors behind /metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.accessLogMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", s.metrics.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Post("/query", s.handleQuery)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionID}", s.handleDestroySession)
		r.Get("/history", s.handleHistory)
	})
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.hub != nil {
		go s.metrics.Consume(ctx, s.hub)
	}

	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-serverErr
}

// PortAvailable reports whether addr can be bound right now.
func PortAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// WaitForPort polls until addr is free or ctx ends.
func WaitForPort(ctx context.Context, addr string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !PortAvailable(addr) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
