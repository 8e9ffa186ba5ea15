package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/auth"
	"github.com/odvcencio/sparkbridge/pkg/browser"
	chromedpadapter "github.com/odvcencio/sparkbridge/pkg/browser/adapters/chromedp"
	playwrightadapter "github.com/odvcencio/sparkbridge/pkg/browser/adapters/playwright"
	rodadapter "github.com/odvcencio/sparkbridge/pkg/browser/adapters/rod"
	"github.com/odvcencio/sparkbridge/pkg/chat"
	"github.com/odvcencio/sparkbridge/pkg/config"
	"github.com/odvcencio/sparkbridge/pkg/cookies"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/exchange"
	"github.com/odvcencio/sparkbridge/pkg/logging"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// app is the wired object graph behind every command that drives a browser.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	hub     *telemetry.Hub
	store   *storage.Store
	journal *logging.Journal
	tracer  *observability.TracerProvider
	client  *chat.Client
}

type appDeps struct {
	stderr   io.Writer
	operator auth.Operator
	// launcher overrides driver selection; tests inject a fake browser here.
	launcher browser.Launcher
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: w,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "invalid logging configuration")
	}
	return logger, nil
}

func newLauncher(driver string, logger *slog.Logger) (browser.Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", config.DriverRod:
		return rodadapter.NewLauncher(logger), nil
	case config.DriverChromedp:
		return chromedpadapter.NewLauncher(logger), nil
	case config.DriverPlaywright:
		return playwrightadapter.NewLauncher(logger), nil
	}
	return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, fmt.Sprintf("unknown browser driver %q", driver))
}

// launchOptions builds the launch template for local browsers.
func launchOptions(cfg *config.Config) browser.LaunchOptions {
	opts := browser.DefaultLaunchOptions()
	opts.Headless = cfg.Browser.Headless
	opts.ProfileDir = cfg.ProfileDir()
	opts.Persistent = cfg.Browser.PersistentProfile
	opts.ExecPath = cfg.Browser.ExecPath
	opts.Stealth = cfg.Browser.Stealth
	if origin, err := cookies.Origin(cfg.Chat.BaseURL); err == nil {
		opts.ClipboardOrigin = origin
	}
	return opts
}

func authConfig(cfg *config.Config) auth.Config {
	ac := auth.DefaultConfig()
	ac.AutoLogin = !cfg.Auth.NoAutoLogin
	ac.EntryTimeout = cfg.Exchange.Timeout
	ac.FormTimeout = cfg.Auth.FormTimeout
	ac.ChallengeTimeout = cfg.Auth.ChallengeTimeout
	ac.ManualTimeout = cfg.Auth.ManualTimeout
	ac.ScreenshotDir = cfg.Auth.ScreenshotDir
	if marker := urlMarker(cfg.Chat.BaseURL); marker != "" {
		ac.ChatURLMarker = marker
	}
	return ac
}

// urlMarker strips the scheme so the marker matches both http and https.
func urlMarker(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host + strings.TrimRight(u.Path, "/")
}

func exchangeConfig(cfg *config.Config) exchange.Config {
	ec := exchange.DefaultConfig()
	ec.ChatURL = strings.TrimRight(cfg.Chat.BaseURL, "/")
	if cfg.Exchange.Timeout > ec.PromptTimeout {
		ec.PromptTimeout = cfg.Exchange.Timeout
	}
	ec.ResponseTimeout = cfg.Exchange.ResponseTimeout
	ec.SubTimeout = cfg.Exchange.CompletionSubtimeout
	ec.SettleDelay = cfg.Exchange.SettleDelay
	ec.PollInterval = cfg.Exchange.PollInterval
	return ec
}

func poolConfig(cfg *config.Config) session.Config {
	return session.Config{
		MaxAttempts:  cfg.Browser.LaunchRetries,
		RetryBackoff: cfg.Browser.RetryBackoff,
		Launch:       launchOptions(cfg),
	}
}

// callOptions is the per-call template derived from configuration.
func callOptions(cfg *config.Config) chat.Options {
	username, password := cfg.Credentials()
	opts := chat.Options{
		Auth: chat.AuthOptions{
			Username:    username,
			Password:    password,
			NoAutoLogin: cfg.Auth.NoAutoLogin,
		},
		NewThread: cfg.Chat.NewThread,
		ThreadID:  config.NormalizeThreadID(cfg.Chat.ThreadID),
		Headless:  cfg.Browser.Headless,
		KeepOpen:  cfg.Browser.KeepOpen,
	}
	if cfg.Browser.AttachOnly {
		opts.AttachAddress = cfg.Browser.DebuggerAddress
	}
	return opts
}

func buildApp(cfg *config.Config, deps appDeps) (*app, error) {
	logger, err := newLogger(cfg, deps.stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, hub: telemetry.NewHub()}

	if cfg.Telemetry.Tracing {
		tp, err := observability.NewTracerProvider("sparkbridge", version, deps.stderr)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			a.tracer = tp
		}
	}

	if store, err := storage.New(cfg.StoragePath()); err != nil {
		logger.Warn("exchange ledger unavailable", "path", cfg.StoragePath(), "error", err)
	} else {
		a.store = store
	}

	if journal, err := logging.NewJournal(cfg.LogDir()); err != nil {
		logger.Warn("event journal unavailable", "dir", cfg.LogDir(), "error", err)
	} else {
		a.journal = journal
	}

	launcher := deps.launcher
	if launcher == nil {
		if launcher, err = newLauncher(cfg.Browser.Driver, logger); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(a.hub)
	poolOpts := []session.Option{
		session.WithLogger(logger),
		session.WithTelemetry(a.hub),
		session.WithMetrics(metrics),
	}
	if a.store != nil {
		poolOpts = append(poolOpts, session.WithLedger(a.store))
	}
	pool := session.NewPool(launcher, poolConfig(cfg), poolOpts...)

	operator := deps.operator
	if operator == nil {
		operator = auth.BlockingOperator{}
	}
	machine := auth.NewMachine(authConfig(cfg),
		auth.WithOperator(operator),
		auth.WithLogger(logger),
		auth.WithTelemetry(a.hub),
	)
	protocol := exchange.NewProtocol(exchangeConfig(cfg),
		exchange.WithStrategies(exchange.DefaultStrategies(exchange.SystemClipboard{})...),
		exchange.WithLogger(logger),
		exchange.WithTelemetry(a.hub),
	)

	clientOpts := []chat.Option{
		chat.WithLogger(logger),
		chat.WithTelemetry(a.hub),
	}
	if a.store != nil {
		clientOpts = append(clientOpts, chat.WithLedger(a.store))
	}
	if a.journal != nil {
		clientOpts = append(clientOpts, chat.WithJournal(a.journal))
	}
	if file := cfg.CookieFile(); file != "" && cfg.Cookies.Watch {
		if w, err := cookies.NewWatcher(file, logger, a.hub); err != nil {
			logger.Warn("cookie file not watched", "path", file, "error", err)
		} else {
			clientOpts = append(clientOpts, chat.WithCookieWatcher(w))
		}
	}

	a.client = chat.New(pool, machine, protocol, chat.Config{
		BaseURL:        cfg.Chat.BaseURL,
		CookieFile:     cfg.CookieFile(),
		CloseAfterCall: cfg.Browser.CloseAfterCall,
	}, clientOpts...)
	return a, nil
}

// Close releases everything buildApp opened, browsers included.
func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.tracer.Shutdown(ctx))
		cancel()
	}
	a.hub.Close()
	return errors.Join(errs...)
}

// Detach closes everything except the browsers, which stay up for later runs.
func (a *app) Detach() error {
	a.client = nil
	return a.Close()
}
