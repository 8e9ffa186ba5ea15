// Package playwright adapts playwright-go to the browser.Handle port.
package playwright

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/logging"
)

var clipboardPermissions = []string{"clipboard-read", "clipboard-write"}

// Launcher drives Chromium through the Playwright driver.
type Launcher struct {
	logger *slog.Logger
	// Install downloads the Playwright driver and Chromium before the first launch.
	Install bool
}

// NewLauncher returns a playwright-backed launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	return &Launcher{logger: logging.OrDiscard(logger)}
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) start() (*playwright.Playwright, error) {
	if l.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			l.logger.Warn("playwright install failed", "error", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, browser.WrapError("start playwright", err)
	}
	return pw, nil
}

// Launch starts Chromium. A persistent profile uses a persistent context so
// the SSO session survives restarts.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.Normalize()
	pw, err := l.start()
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, 8)
	for _, flag := range opts.ChromeFlags() {
		args = append(args, "--"+flag)
	}
	if opts.DebugPort > 0 {
		args = append(args, fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort))
	}
	viewport := &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	var execPath *string
	if opts.ExecPath != "" {
		execPath = playwright.String(opts.ExecPath)
	}
	ignore := []string{"--enable-automation"}

	h := &Handle{pw: pw}
	if opts.Persistent && opts.ProfileDir != "" {
		bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless:          playwright.Bool(opts.Headless),
			Args:              args,
			ExecutablePath:    execPath,
			IgnoreDefaultArgs: ignore,
			Viewport:          viewport,
		})
		if err != nil {
			_ = pw.Stop()
			return nil, browser.WrapError("launch", err)
		}
		h.context = bctx
	} else {
		b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless:          playwright.Bool(opts.Headless),
			Args:              args,
			ExecutablePath:    execPath,
			IgnoreDefaultArgs: ignore,
		})
		if err != nil {
			_ = pw.Stop()
			return nil, browser.WrapError("launch", err)
		}
		bctx, err := b.NewContext(playwright.BrowserNewContextOptions{Viewport: viewport})
		if err != nil {
			_ = b.Close()
			_ = pw.Stop()
			return nil, browser.WrapError("launch", err)
		}
		h.browser = b
		h.context = bctx
	}

	if opts.ClipboardOrigin != "" {
		if err := h.context.GrantPermissions(clipboardPermissions, playwright.BrowserContextGrantPermissionsOptions{
			Origin: playwright.String(opts.ClipboardOrigin),
		}); err != nil {
			l.logger.Debug("clipboard permission not granted", "error", err)
		}
	}

	page, err := firstPage(h.context)
	if err != nil {
		_ = h.Close()
		return nil, browser.WrapError("open page", err)
	}
	h.page = page
	return h, nil
}

// Attach connects over CDP to a Chrome exposing remote debugging at address
// and drives its first page. Closing the handle only disconnects.
func (l *Launcher) Attach(ctx context.Context, address string) (browser.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.start()
	if err != nil {
		return nil, err
	}
	endpoint := address
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	b, err := pw.Chromium.ConnectOverCDP(endpoint)
	if err != nil {
		_ = pw.Stop()
		return nil, browser.WrapError("attach", err)
	}
	h := &Handle{pw: pw, browser: b, attached: true}
	contexts := b.Contexts()
	if len(contexts) > 0 {
		h.context = contexts[0]
	} else {
		bctx, err := b.NewContext()
		if err != nil {
			_ = h.Close()
			return nil, browser.WrapError("attach", err)
		}
		h.context = bctx
	}
	page, err := firstPage(h.context)
	if err != nil {
		_ = h.Close()
		return nil, browser.WrapError("attach", err)
	}
	h.page = page
	return h, nil
}

func firstPage(bctx playwright.BrowserContext) (playwright.Page, error) {
	if pages := bctx.Pages(); len(pages) > 0 {
		return pages[0], nil
	}
	return bctx.NewPage()
}
