// Package rod adapts go-rod to the browser.Handle port. It is the default driver.
package rod

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gorod "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/logging"
)

const defaultProbeTimeout = 3 * time.Second

// Launcher starts or attaches to Chrome over the DevTools protocol.
type Launcher struct {
	logger       *slog.Logger
	probeTimeout time.Duration
}

// NewLauncher returns a rod-backed launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{logger: logging.OrDiscard(logger), probeTimeout: defaultProbeTimeout}
}

var _ browser.Launcher = (*Launcher)(nil)

// Launch starts a new Chrome process and opens one page in it.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.Normalize()
	ln := configure(launcher.New(), opts).Leakless(true)

	controlURL, err := ln.Launch()
	if err != nil {
		return nil, browser.WrapError("launch", err)
	}
	l.logger.Debug("chrome launched", "pid", ln.PID(), "headless", opts.Headless)

	b := gorod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		ln.Kill()
		return nil, browser.WrapError("connect", err)
	}

	page, err := openPage(b, opts.Stealth)
	if err != nil {
		_ = b.Close()
		ln.Kill()
		return nil, browser.WrapError("open page", err)
	}
	if opts.Headless {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             opts.Viewport.Width,
			Height:            opts.Viewport.Height,
			DeviceScaleFactor: 1,
		}); err != nil {
			l.logger.Debug("viewport override failed", "error", err)
		}
	}
	grantClipboard(b, opts.ClipboardOrigin, l.logger)

	return &Handle{
		browser:  b,
		page:     page,
		launcher: ln,
		cleanup:  !opts.Persistent || opts.ProfileDir == "",
		probe:    l.probeTimeout,
	}, nil
}

// Attach connects to a Chrome exposing remote debugging at address
// ("host:port" or a ws:// URL) and drives its first page.
func (l *Launcher) Attach(ctx context.Context, address string) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	controlURL, err := launcher.ResolveURL(address)
	if err != nil {
		return nil, browser.WrapError("attach", fmt.Errorf("resolve %s: %w", address, err))
	}
	b := gorod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, browser.WrapError("attach", err)
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, browser.WrapError("attach", err)
	}
	page := pages.First()
	if page == nil {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, browser.WrapError("attach", err)
		}
	}
	l.logger.Debug("attached to chrome", "address", address)

	return &Handle{browser: b, page: page, attached: true, probe: l.probeTimeout}, nil
}

// LaunchDebuggable starts a Chrome that outlives this process and listens for
// remote debugging on port, so later runs can attach to it. It returns the
// DevTools websocket URL and the process id.
func LaunchDebuggable(opts browser.LaunchOptions, port int) (string, int, error) {
	opts = opts.Normalize()
	ln := configure(launcher.New(), opts).Leakless(false).RemoteDebuggingPort(port)
	controlURL, err := ln.Launch()
	if err != nil {
		return "", 0, browser.WrapError("launch", err)
	}
	return controlURL, ln.PID(), nil
}

func configure(ln *launcher.Launcher, opts browser.LaunchOptions) *launcher.Launcher {
	ln = ln.Headless(opts.Headless)
	for _, flag := range opts.ChromeFlags() {
		name, value, hasValue := strings.Cut(flag, "=")
		if hasValue {
			ln = ln.Set(flags.Flag(name), value)
		} else {
			ln = ln.Set(flags.Flag(name))
		}
	}
	ln = ln.Delete(flags.Flag("enable-automation"))
	if opts.ExecPath != "" {
		ln = ln.Bin(opts.ExecPath)
	}
	if opts.ProfileDir != "" && opts.Persistent {
		ln = ln.UserDataDir(opts.ProfileDir)
	}
	if opts.DebugPort > 0 {
		ln = ln.RemoteDebuggingPort(opts.DebugPort)
	}
	return ln
}

func openPage(b *gorod.Browser, hardened bool) (*gorod.Page, error) {
	if hardened {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

func grantClipboard(b *gorod.Browser, origin string, logger *slog.Logger) {
	if origin == "" {
		return
	}
	err := proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeClipboardReadWrite,
			proto.BrowserPermissionTypeClipboardSanitizedWrite,
		},
		Origin: origin,
	}.Call(b)
	if err != nil {
		logger.Debug("clipboard permission not granted", "origin", origin, "error", err)
	}
}
