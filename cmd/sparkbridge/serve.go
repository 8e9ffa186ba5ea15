package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/service"
	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

const portWait = 15 * time.Second

// serveFn allows tests to stop before the listener binds.
var serveFn = func(ctx context.Context, srv *service.Server, addr string) error {
	return srv.Start(ctx)
}

func runServe(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(std.err)
	configPath := fs.String("config", "", "Path to a config file")
	host := fs.String("host", "", "Interface to bind")
	port := fs.Int("port", 0, "Port to bind")
	force := fs.Bool("force", false, "Wait for a busy port to free instead of failing")
	driver := fs.String("driver", "", "Browser driver: rod, chromedp or playwright")
	verbose := fs.Bool("verbose", false, "Log debug output")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError(err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Service.Host = *host
	}
	if *port != 0 {
		cfg.Service.Port = *port
	}
	if *driver != "" {
		cfg.Browser.Driver = *driver
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	status := terminal.NewWithOutput(std.err, terminal.Options{})
	addr := cfg.ServiceAddr()
	if !service.PortAvailable(addr) {
		if !*force {
			return fmt.Errorf("port %d is already in use; use --force to wait for it", cfg.Service.Port)
		}
		status.Warn("port %d is in use, waiting up to %s", cfg.Service.Port, portWait)
		waitCtx, cancel := context.WithTimeout(ctx, portWait)
		err := service.WaitForPort(waitCtx, addr, 250*time.Millisecond)
		cancel()
		if err != nil {
			return fmt.Errorf("port %d did not become free: %w", cfg.Service.Port, err)
		}
	}

	a, err := buildAppFn(cfg, appDeps{stderr: std.err})
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []service.Option{
		service.WithLogger(a.logger),
		service.WithTelemetry(a.hub),
	}
	if a.store != nil {
		opts = append(opts, service.WithHistory(a.store), service.WithHealthCheck(a.store.DB()))
	}
	srv := service.New(a.client, service.Config{
		Addr:           addr,
		RateLimit:      cfg.Service.RateLimit,
		RateBurst:      cfg.Service.RateBurst,
		RequestTimeout: cfg.Service.RequestTimeout,
		MaxBodyBytes:   cfg.Service.MaxBodyBytes,
		SessionID:      cfg.Browser.ID,
		Defaults:       callOptions(cfg),
	}, opts...)

	status.Info("listening on http://%s", addr)
	status.Dim(`curl -X POST http://localhost:%d/api/query -H "Content-Type: application/json" -d '{"message":"Your question here","thread_id":"None"}'`, cfg.Service.Port)
	return serveFn(ctx, srv, addr)
}
