package playwright

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Handle drives one Playwright page. Playwright calls are synchronous, so ctx
// is checked before each call and its deadline becomes the call timeout where
// the API accepts one.
type Handle struct {
	pw       *playwright.Playwright
	browser  playwright.Browser // nil for persistent contexts
	context  playwright.BrowserContext
	page     playwright.Page
	attached bool

	closeOnce sync.Once
	closeErr  error
}

var _ browser.Handle = (*Handle)(nil)

const clearScript = `(el) => {
	const proto = Object.getPrototypeOf(el);
	const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(el, ''); }
	else if ('value' in el) { el.value = ''; }
	else { el.textContent = ''; }
	el.dispatchEvent(new Event('input', { bubbles: true }));
}`

func timeoutMs(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func (h *Handle) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := h.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMs(ctx),
	})
	return browser.WrapError("navigate", err)
}

func (h *Handle) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h.page.IsClosed() {
		return "", browser.WrapError("current url", browser.ErrSessionClosed)
	}
	return h.page.URL(), nil
}

func (h *Handle) FindAll(ctx context.Context, q browser.Query) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selector := q.Expr
	if q.Kind == browser.QueryXPath {
		selector = "xpath=" + q.Expr
	}
	found, err := h.page.QuerySelectorAll(selector)
	if err != nil {
		if browser.IsConnectionError(err) || h.page.IsClosed() {
			return nil, browser.WrapError("find", err)
		}
		return []browser.Element{}, nil
	}
	out := make([]browser.Element, 0, len(found))
	for _, eh := range found {
		out = append(out, &element{eh: eh, owner: h})
	}
	return out, nil
}

func (h *Handle) Type(ctx context.Context, el browser.Element, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if el != nil {
		e, err := h.own(el)
		if err != nil {
			return browser.WrapError("type", err)
		}
		if err := e.eh.Focus(); err != nil {
			return browser.WrapError("type", err)
		}
	}
	return browser.WrapError("type", h.page.Keyboard().InsertText(text))
}

func (h *Handle) PressKey(ctx context.Context, key browser.Key, modifiers ...browser.KeyModifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return browser.WrapError("key", h.page.Keyboard().Press(browser.Chord(key, modifiers...)))
}

func (h *Handle) Click(ctx context.Context, el browser.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := h.own(el)
	if err != nil {
		return browser.WrapError("click", err)
	}
	if err := e.eh.Click(playwright.ElementHandleClickOptions{Timeout: playwright.Float(2000)}); err != nil {
		if browser.IsConnectionError(err) {
			return browser.WrapError("click", err)
		}
		if _, jsErr := e.eh.Evaluate(`(el) => el.click()`); jsErr != nil {
			return browser.WrapError("click", errors.Join(err, jsErr))
		}
	}
	return nil
}

func (h *Handle) RunScript(ctx context.Context, src string, args ...any) (any, error) {
	return h.eval(ctx, src, args)
}

// RunAsyncScript relies on Playwright awaiting returned promises.
func (h *Handle) RunAsyncScript(ctx context.Context, src string, args ...any) (any, error) {
	return h.eval(ctx, src, args)
}

func (h *Handle) eval(ctx context.Context, src string, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		out any
		err error
	)
	switch len(args) {
	case 0:
		out, err = h.page.Evaluate(src)
	case 1:
		out, err = h.page.Evaluate(src, args[0])
	default:
		out, err = h.page.Evaluate("(args) => ("+src+")(...args)", args)
	}
	return out, browser.WrapError("script", err)
}

func (h *Handle) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := h.context.Cookies()
	if err != nil {
		return nil, browser.WrapError("cookies", err)
	}
	out := make([]browser.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := browser.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		if c.Expires > 0 {
			exp := int64(c.Expires)
			cookie.Expiry = &exp
		}
		out = append(out, cookie)
	}
	return out, nil
}

func (h *Handle) AddCookie(ctx context.Context, c browser.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oc := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		Secure:   playwright.Bool(c.Secure),
		HttpOnly: playwright.Bool(c.HTTPOnly),
	}
	if c.Domain != "" {
		oc.Domain = playwright.String(c.Domain)
		path := c.Path
		if path == "" {
			path = "/"
		}
		oc.Path = playwright.String(path)
	} else {
		oc.URL = playwright.String(h.page.URL())
	}
	if c.Expiry != nil {
		oc.Expires = playwright.Float(float64(*c.Expiry))
	}
	switch c.SameSite {
	case "Strict":
		oc.SameSite = playwright.SameSiteAttributeStrict
	case "Lax":
		oc.SameSite = playwright.SameSiteAttributeLax
	case "None":
		oc.SameSite = playwright.SameSiteAttributeNone
	}
	return browser.WrapError("add cookie", h.context.AddCookies([]playwright.OptionalCookie{oc}))
}

func (h *Handle) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := h.page.Screenshot()
	return data, browser.WrapError("screenshot", err)
}

func (h *Handle) IsResponsive(ctx context.Context) bool {
	if ctx.Err() != nil || h.page == nil || h.page.IsClosed() {
		return false
	}
	_, err := h.page.Evaluate(`() => document.readyState`)
	return err == nil
}

func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		var errs []error
		if !h.attached && h.context != nil {
			errs = append(errs, h.context.Close())
		}
		if h.browser != nil {
			errs = append(errs, h.browser.Close())
		}
		if h.pw != nil {
			errs = append(errs, h.pw.Stop())
		}
		if err := errors.Join(errs...); err != nil {
			h.closeErr = browser.WrapError("close", err)
		}
	})
	return h.closeErr
}

func (h *Handle) own(el browser.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil || e.owner != h {
		return nil, browser.ErrForeignElement
	}
	return e, nil
}

type element struct {
	eh    playwright.ElementHandle
	owner *Handle
}

func (e *element) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, err := e.eh.InnerText()
	return s, browser.WrapError("text", err)
}

func (e *element) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := e.eh.Evaluate(`(el) => el.outerHTML`)
	if err != nil {
		return "", browser.WrapError("html", err)
	}
	s, _ := out.(string)
	return s, nil
}

func (e *element) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := e.eh.Evaluate(clearScript)
	return browser.WrapError("clear", err)
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := e.eh.IsVisible()
	return ok, browser.WrapError("visible", err)
}
