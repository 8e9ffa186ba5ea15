package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	rodadapter "github.com/odvcencio/sparkbridge/pkg/browser/adapters/rod"
	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

// launchDebuggableFn allows tests to stub the Chrome launch.
var launchDebuggableFn = rodadapter.LaunchDebuggable

func runBrowser(ctx context.Context, args []string, std streams) error {
	if len(args) == 0 {
		return usageError(errors.New("browser: expected 'launch' or 'attach'"))
	}
	switch args[0] {
	case "launch":
		return runBrowserLaunch(args[1:], std)
	case "attach":
		return runSend(ctx, append([]string{"--attach-only"}, args[1:]...), std)
	}
	return usageError(fmt.Errorf("browser: unknown action %q", args[0]))
}

// runBrowserLaunch starts a Chrome that outlives this process so later
// commands can attach to it with --attach-only.
func runBrowserLaunch(args []string, std streams) error {
	fs := flag.NewFlagSet("browser launch", flag.ContinueOnError)
	fs.SetOutput(std.err)
	configPath := fs.String("config", "", "Path to a config file")
	port := fs.Int("port", 0, "Remote debugging port")
	headless := fs.Bool("headless", false, "Hide the browser window")
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
	if *port != 0 {
		cfg.Browser.DebugPort = *port
	}
	cfg.Browser.Headless = *headless
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := launchOptions(cfg)
	controlURL, pid, err := launchDebuggableFn(opts, cfg.Browser.DebugPort)
	if err != nil {
		return err
	}
	status := terminal.NewWithOutput(std.err, terminal.Options{})
	status.Success("chrome started (pid %d)", pid)
	status.Dim("profile: %s", opts.ProfileDir)
	status.Dim("devtools: %s", controlURL)
	fmt.Fprintf(std.out, "localhost:%d\n", cfg.Browser.DebugPort)
	return nil
}
