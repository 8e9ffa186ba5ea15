// Package browsertest provides an in-memory browser.Handle for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Action is one recorded interaction with a Handle.
type Action struct {
	Type      browser.ActionType
	Target    string
	Text      string
	Key       browser.Key
	Modifiers []browser.KeyModifier
}

// Finder produces the elements for a query on its nth lookup (starting at 1).
type Finder func(call int) []browser.Element

// Handle is a scripted page. Queries resolve through registered finders;
// interactions are recorded in order.
type Handle struct {
	mu         sync.Mutex
	url        string
	finders    map[string]Finder
	calls      map[string]int
	actions    []Action
	cookies    []browser.Cookie
	responsive bool
	closed     int
	failures   map[browser.ActionType][]error
	script     func(src string, args []any) (any, error)
	onNavigate func(url string)
	screenshot []byte
}

// NewHandle returns a responsive handle positioned at url.
func NewHandle(url string) *Handle {
	return &Handle{
		url:        url,
		finders:    make(map[string]Finder),
		calls:      make(map[string]int),
		failures:   make(map[browser.ActionType][]error),
		responsive: true,
		screenshot: []byte("\x89PNG"),
	}
}

var _ browser.Handle = (*Handle)(nil)

// Set makes q resolve to els on every lookup.
func (h *Handle) Set(q browser.Query, els ...browser.Element) {
	list := append([]browser.Element(nil), els...)
	h.SetFinder(q, func(int) []browser.Element { return list })
}

// SetFinder makes q resolve through f.
func (h *Handle) SetFinder(q browser.Query, f Finder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finders[q.String()] = f
	h.calls[q.String()] = 0
}

// Remove makes q resolve to nothing.
func (h *Handle) Remove(q browser.Query) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.finders, q.String())
}

// Sequence resolves to steps[n-1] on the nth lookup and to the last step afterwards.
func Sequence(steps ...[]browser.Element) Finder {
	return func(call int) []browser.Element {
		if len(steps) == 0 {
			return nil
		}
		if call > len(steps) {
			call = len(steps)
		}
		return steps[call-1]
	}
}

// After resolves to nothing for the first n lookups and to els afterwards.
func After(n int, els ...browser.Element) Finder {
	return func(call int) []browser.Element {
		if call <= n {
			return nil
		}
		return els
	}
}

// Until resolves to els for the first n lookups and to nothing afterwards.
func Until(n int, els ...browser.Element) Finder {
	return func(call int) []browser.Element {
		if call <= n {
			return els
		}
		return nil
	}
}

// OnScript installs the evaluator used by RunScript and RunAsyncScript.
func (h *Handle) OnScript(fn func(src string, args []any) (any, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.script = fn
}

// OnNavigate installs a hook run after each navigation.
func (h *Handle) OnNavigate(fn func(url string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNavigate = fn
}

// SetURL moves the page without recording a navigation.
func (h *Handle) SetURL(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url = url
}

// SetResponsive controls IsResponsive.
func (h *Handle) SetResponsive(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responsive = ok
}

// SetCookies replaces the cookie jar.
func (h *Handle) SetCookies(cookies ...browser.Cookie) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cookies = append([]browser.Cookie(nil), cookies...)
}

// Fail queues errors returned by the next calls of the given action type.
func (h *Handle) Fail(action browser.ActionType, errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[action] = append(h.failures[action], errs...)
}

// Actions returns the recorded interactions, optionally filtered by type.
func (h *Handle) Actions(types ...browser.ActionType) []Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(types) == 0 {
		return append([]Action(nil), h.actions...)
	}
	var out []Action
	for _, a := range h.actions {
		for _, t := range types {
			if a.Type == t {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Lookups returns how many times q was queried.
func (h *Handle) Lookups(q browser.Query) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[q.String()]
}

// CloseCount returns how many times Close was called.
func (h *Handle) CloseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Jar returns the current cookies.
func (h *Handle) Jar() []browser.Cookie {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]browser.Cookie(nil), h.cookies...)
}

func (h *Handle) failure(action browser.ActionType) error {
	queue := h.failures[action]
	if len(queue) == 0 {
		return nil
	}
	h.failures[action] = queue[1:]
	return queue[0]
}

func (h *Handle) record(a Action) error {
	if h.closed > 0 {
		return browser.ErrSessionClosed
	}
	if err := h.failure(a.Type); err != nil {
		return err
	}
	h.actions = append(h.actions, a)
	return nil
}

func (h *Handle) Navigate(_ context.Context, url string) error {
	h.mu.Lock()
	if err := h.record(Action{Type: browser.ActionNavigate, Text: url}); err != nil {
		h.mu.Unlock()
		return err
	}
	h.url = url
	hook := h.onNavigate
	h.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return nil
}

func (h *Handle) CurrentURL(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed > 0 {
		return "", browser.ErrSessionClosed
	}
	return h.url, nil
}

func (h *Handle) FindAll(_ context.Context, q browser.Query) ([]browser.Element, error) {
	h.mu.Lock()
	if h.closed > 0 {
		h.mu.Unlock()
		return nil, browser.ErrSessionClosed
	}
	if err := h.failure(browser.ActionFind); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	key := q.String()
	h.calls[key]++
	call := h.calls[key]
	finder := h.finders[key]
	h.mu.Unlock()

	if finder == nil {
		return []browser.Element{}, nil
	}
	els := finder(call)
	if els == nil {
		return []browser.Element{}, nil
	}
	return els, nil
}

func (h *Handle) Type(_ context.Context, el browser.Element, text string) error {
	h.mu.Lock()
	err := h.record(Action{Type: browser.ActionTypeText, Target: labelOf(el), Text: text})
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if fe, ok := el.(*Element); ok {
		fe.appendValue(text)
	}
	return nil
}

func (h *Handle) PressKey(_ context.Context, key browser.Key, modifiers ...browser.KeyModifier) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record(Action{
		Type:      browser.ActionKey,
		Key:       key,
		Modifiers: append([]browser.KeyModifier(nil), modifiers...),
	})
}

func (h *Handle) Click(_ context.Context, el browser.Element) error {
	if el == nil {
		return errors.New("browsertest: click on nil element")
	}
	h.mu.Lock()
	err := h.record(Action{Type: browser.ActionClick, Target: labelOf(el)})
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if fe, ok := el.(*Element); ok {
		fe.click()
	}
	return nil
}

func (h *Handle) RunScript(_ context.Context, src string, args ...any) (any, error) {
	h.mu.Lock()
	if err := h.record(Action{Type: browser.ActionScript, Text: src}); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	fn := h.script
	h.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(src, args)
}

func (h *Handle) RunAsyncScript(ctx context.Context, src string, args ...any) (any, error) {
	return h.RunScript(ctx, src, args...)
}

func (h *Handle) Cookies(context.Context) ([]browser.Cookie, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(Action{Type: browser.ActionCookies, Text: "get"}); err != nil {
		return nil, err
	}
	return append([]browser.Cookie(nil), h.cookies...), nil
}

func (h *Handle) AddCookie(_ context.Context, c browser.Cookie) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(Action{Type: browser.ActionCookies, Target: c.Name, Text: "add"}); err != nil {
		return err
	}
	for i, existing := range h.cookies {
		if existing.Name == c.Name && existing.Domain == c.Domain && existing.Path == c.Path {
			h.cookies[i] = c
			return nil
		}
	}
	h.cookies = append(h.cookies, c)
	return nil
}

func (h *Handle) Screenshot(context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(Action{Type: browser.ActionScreenshot}); err != nil {
		return nil, err
	}
	return append([]byte(nil), h.screenshot...), nil
}

func (h *Handle) IsResponsive(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responsive && h.closed == 0
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func labelOf(el browser.Element) string {
	if el == nil {
		return ""
	}
	if fe, ok := el.(*Element); ok {
		return fe.Label
	}
	return "element"
}
