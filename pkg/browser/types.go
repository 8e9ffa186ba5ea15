package browser

import (
	"fmt"
	"strings"
)

// QueryKind selects the locator language of a Query.
type QueryKind string

const (
	QueryCSS   QueryKind = "css"
	QueryXPath QueryKind = "xpath"
)

// Query locates elements on the current page.
type Query struct {
	Kind QueryKind `json:"kind" yaml:"kind"`
	Expr string    `json:"expr" yaml:"expr"`
}

// CSS builds a CSS selector query.
func CSS(expr string) Query { return Query{Kind: QueryCSS, Expr: expr} }

// XPath builds an XPath query.
func XPath(expr string) Query { return Query{Kind: QueryXPath, Expr: expr} }

// IsZero reports whether the query has no expression.
func (q Query) IsZero() bool { return strings.TrimSpace(q.Expr) == "" }

func (q Query) String() string {
	return fmt.Sprintf("%s:%s", q.Kind, q.Expr)
}

// ActionType names a handle operation for metrics and recordings.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionFind       ActionType = "find"
	ActionTypeText   ActionType = "type"
	ActionKey        ActionType = "key"
	ActionClick      ActionType = "click"
	ActionScript     ActionType = "script"
	ActionCookies    ActionType = "cookies"
	ActionScreenshot ActionType = "screenshot"
)

// Key is a named keyboard key.
type Key string

const (
	KeyEnter     Key = "Enter"
	KeyTab       Key = "Tab"
	KeyEscape    Key = "Escape"
	KeyBackspace Key = "Backspace"
)

// KeyModifier describes a keyboard modifier.
type KeyModifier string

const (
	KeyModifierShift KeyModifier = "shift"
	KeyModifierAlt   KeyModifier = "alt"
	KeyModifierCtrl  KeyModifier = "ctrl"
	KeyModifierMeta  KeyModifier = "meta"
)

// Chord renders a key with modifiers in Playwright notation, e.g. "Shift+Enter".
func Chord(key Key, modifiers ...KeyModifier) string {
	parts := make([]string, 0, len(modifiers)+1)
	for _, mod := range modifiers {
		switch mod {
		case KeyModifierShift:
			parts = append(parts, "Shift")
		case KeyModifierAlt:
			parts = append(parts, "Alt")
		case KeyModifierCtrl:
			parts = append(parts, "Control")
		case KeyModifierMeta:
			parts = append(parts, "Meta")
		}
	}
	parts = append(parts, string(key))
	return strings.Join(parts, "+")
}

// Cookie is a browser cookie in the shape persisted by the cookie store.
// Expiry is Unix seconds.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expiry   *int64 `json:"expiry,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

// Viewport defines the browser window size.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

var (
	// HeadlessViewport is the window size used for headless sessions.
	HeadlessViewport = Viewport{Width: 1920, Height: 1080}
	// VisibleViewport is the window size used when a window is shown.
	VisibleViewport = Viewport{Width: 1200, Height: 800}
)

// LaunchOptions configures a locally launched browser.
type LaunchOptions struct {
	Headless bool
	// ProfileDir is the user data directory; empty means a throwaway profile.
	ProfileDir string
	// Persistent keeps ProfileDir between runs.
	Persistent bool
	Viewport   Viewport
	// ExecPath overrides browser discovery.
	ExecPath string
	// DebugPort exposes remote debugging so later runs can attach. Zero picks a free port.
	DebugPort int
	// Stealth enables bot-detection hardening where the driver supports it.
	Stealth bool
	// ClipboardOrigin receives clipboard read and write permissions when set.
	ClipboardOrigin string
	// ExtraFlags are appended to the default Chrome flags.
	ExtraFlags []string
}

// DefaultLaunchOptions returns the recommended launch defaults.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless: false,
		Viewport: VisibleViewport,
	}
}

// Normalize fills the viewport from the headless mode when unset.
func (o LaunchOptions) Normalize() LaunchOptions {
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		if o.Headless {
			o.Viewport = HeadlessViewport
		} else {
			o.Viewport = VisibleViewport
		}
	}
	return o
}

// ChromeFlags returns the command-line switches shared by all local drivers,
// without leading dashes.
func (o LaunchOptions) ChromeFlags() []string {
	o = o.Normalize()
	flags := []string{
		"no-sandbox",
		"disable-dev-shm-usage",
		"disable-gpu",
		"disable-blink-features=AutomationControlled",
		fmt.Sprintf("window-size=%d,%d", o.Viewport.Width, o.Viewport.Height),
	}
	return append(flags, o.ExtraFlags...)
}
