// Package chromedp adapts chromedp to the browser.Handle port.
package chromedp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/logging"
)

const defaultProbeTimeout = 3 * time.Second

// Launcher builds chromedp contexts over a local or remote Chrome.
type Launcher struct {
	logger       *slog.Logger
	probeTimeout time.Duration
}

// NewLauncher returns a chromedp-backed launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{logger: logging.OrDiscard(logger), probeTimeout: defaultProbeTimeout}
}

var _ browser.Launcher = (*Launcher)(nil)

// Launch starts Chrome through an exec allocator.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.Normalize()
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height),
	)
	for _, flag := range opts.ChromeFlags() {
		name, value, hasValue := strings.Cut(flag, "=")
		if name == "window-size" {
			continue
		}
		if hasValue {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProfileDir != "" && opts.Persistent {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.DebugPort > 0 {
		allocOpts = append(allocOpts, chromedp.Flag("remote-debugging-port", strconv.Itoa(opts.DebugPort)))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(l.logf))
	h := &Handle{
		ctx:    tabCtx,
		cancel: func() { tabCancel(); allocCancel() },
		probe:  l.probeTimeout,
	}
	if err := h.run(ctx); err != nil {
		h.cancel()
		return nil, browser.WrapError("launch", err)
	}
	l.grantClipboard(ctx, h, opts.ClipboardOrigin)
	return h, nil
}

// Attach opens a new tab in a Chrome exposing remote debugging at address.
// Closing the handle drops the connection and leaves Chrome running.
func (l *Launcher) Attach(ctx context.Context, address string) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url := address
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), url)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(l.logf))
	h := &Handle{
		ctx:      tabCtx,
		cancel:   func() { tabCancel(); allocCancel() },
		attached: true,
		probe:    l.probeTimeout,
	}
	if err := h.run(ctx); err != nil {
		h.cancel()
		return nil, browser.WrapError("attach", err)
	}
	return h, nil
}

func (l *Launcher) logf(format string, args ...any) {
	l.logger.Debug("chromedp", "msg", strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *Launcher) grantClipboard(ctx context.Context, h *Handle, origin string) {
	if origin == "" {
		return
	}
	err := h.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		if c == nil || c.Browser == nil {
			return nil
		}
		return cdpbrowser.GrantPermissions([]cdpbrowser.PermissionType{
			cdpbrowser.PermissionTypeClipboardReadWrite,
			cdpbrowser.PermissionTypeClipboardSanitizedWrite,
		}).WithOrigin(origin).Do(cdp.WithExecutor(ctx, c.Browser))
	}))
	if err != nil {
		l.logger.Debug("clipboard permission not granted", "origin", origin, "error", err)
	}
}
