package rod

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	gorod "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Handle drives one rod page.
type Handle struct {
	browser  *gorod.Browser
	page     *gorod.Page
	launcher *launcher.Launcher // nil when attached
	attached bool
	cleanup  bool
	probe    time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ browser.Handle = (*Handle)(nil)

// clearScript empties inputs through the native value setter so framework
// bindings observe the change.
const clearScript = `function () {
	const proto = Object.getPrototypeOf(this);
	const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(this, ''); }
	else if ('value' in this) { this.value = ''; }
	else { this.textContent = ''; }
	this.dispatchEvent(new Event('input', { bubbles: true }));
}`

func (h *Handle) Navigate(ctx context.Context, url string) error {
	p := h.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return browser.WrapError("navigate", err)
	}
	return browser.WrapError("navigate", p.WaitLoad())
}

func (h *Handle) CurrentURL(ctx context.Context) (string, error) {
	info, err := h.page.Context(ctx).Info()
	if err != nil {
		return "", browser.WrapError("current url", err)
	}
	return info.URL, nil
}

func (h *Handle) FindAll(ctx context.Context, q browser.Query) ([]browser.Element, error) {
	p := h.page.Context(ctx)
	var (
		found gorod.Elements
		err   error
	)
	if q.Kind == browser.QueryXPath {
		found, err = p.ElementsX(q.Expr)
	} else {
		found, err = p.Elements(q.Expr)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if browser.IsConnectionError(err) {
			return nil, browser.WrapError("find", err)
		}
		return []browser.Element{}, nil
	}
	out := make([]browser.Element, 0, len(found))
	for _, el := range found {
		out = append(out, &element{el: el})
	}
	return out, nil
}

func (h *Handle) Type(ctx context.Context, el browser.Element, text string) error {
	if el == nil {
		return browser.WrapError("type", h.page.Context(ctx).InsertText(text))
	}
	e, err := unwrapElement(el)
	if err != nil {
		return browser.WrapError("type", err)
	}
	return browser.WrapError("type", e.el.Context(ctx).Input(text))
}

func (h *Handle) PressKey(ctx context.Context, key browser.Key, modifiers ...browser.KeyModifier) error {
	mods := make([]input.Key, 0, len(modifiers))
	for _, m := range modifiers {
		if k, ok := modifierKeys[m]; ok {
			mods = append(mods, k)
		}
	}
	k, ok := namedKeys[key]
	if !ok {
		return browser.WrapError("key", errors.New("unsupported key "+string(key)))
	}
	actions := h.page.Context(ctx).KeyActions()
	if len(mods) > 0 {
		actions = actions.Press(mods...)
	}
	actions = actions.Type(k)
	if len(mods) > 0 {
		actions = actions.Release(mods...)
	}
	return browser.WrapError("key", actions.Do())
}

func (h *Handle) Click(ctx context.Context, el browser.Element) error {
	e, err := unwrapElement(el)
	if err != nil {
		return browser.WrapError("click", err)
	}
	target := e.el.Context(ctx)
	if err := target.Click(proto.InputMouseButtonLeft, 1); err != nil {
		if ctx.Err() != nil || browser.IsConnectionError(err) {
			return browser.WrapError("click", err)
		}
		// Overlays and off-screen buttons refuse pointer clicks; a DOM click still submits.
		if _, jsErr := target.Eval(`function () { this.click(); }`); jsErr != nil {
			return browser.WrapError("click", errors.Join(err, jsErr))
		}
	}
	return nil
}

func (h *Handle) RunScript(ctx context.Context, src string, args ...any) (any, error) {
	return h.eval(ctx, src, false, args)
}

func (h *Handle) RunAsyncScript(ctx context.Context, src string, args ...any) (any, error) {
	return h.eval(ctx, src, true, args)
}

func (h *Handle) eval(ctx context.Context, src string, await bool, args []any) (any, error) {
	res, err := h.page.Context(ctx).Evaluate(&gorod.EvalOptions{
		JS:           src,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: await,
	})
	if err != nil {
		return nil, browser.WrapError("script", err)
	}
	if res == nil {
		return nil, nil
	}
	return res.Value.Val(), nil
}

func (h *Handle) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	raw, err := h.page.Context(ctx).Cookies(nil)
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
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
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
	p := h.page.Context(ctx)
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: proto.NetworkCookieSameSite(c.SameSite),
	}
	if c.Expiry != nil {
		param.Expires = proto.TimeSinceEpoch(*c.Expiry)
	}
	if c.Domain == "" {
		if info, err := p.Info(); err == nil {
			param.URL = info.URL
		}
	}
	return browser.WrapError("add cookie", p.SetCookies([]*proto.NetworkCookieParam{param}))
}

func (h *Handle) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := h.page.Context(ctx).Screenshot(false, nil)
	return data, browser.WrapError("screenshot", err)
}

func (h *Handle) IsResponsive(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, h.probe)
	defer cancel()
	if _, err := h.browser.Context(probeCtx).Version(); err != nil {
		return false
	}
	_, err := h.page.Context(probeCtx).Eval(`() => document.readyState`)
	return err == nil
}

// Close shuts down a launched browser. Attached browsers belong to someone
// else and are left running.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.attached {
			return
		}
		if err := h.browser.Close(); err != nil && !isAlreadyGone(err) {
			h.closeErr = browser.WrapError("close", err)
		}
		if h.launcher != nil {
			h.launcher.Kill()
			if h.cleanup {
				h.launcher.Cleanup()
			}
		}
	})
	return h.closeErr
}

func isAlreadyGone(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") || strings.Contains(msg, "eof")
}

type element struct {
	el *gorod.Element
}

func (e *element) Text(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).Text()
	return s, browser.WrapError("text", err)
}

func (e *element) HTML(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).HTML()
	return s, browser.WrapError("html", err)
}

func (e *element) Clear(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(clearScript)
	return browser.WrapError("clear", err)
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	ok, err := e.el.Context(ctx).Visible()
	return ok, browser.WrapError("visible", err)
}

func unwrapElement(el browser.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil {
		return nil, browser.ErrForeignElement
	}
	return e, nil
}

var modifierKeys = map[browser.KeyModifier]input.Key{
	browser.KeyModifierShift: input.ShiftLeft,
	browser.KeyModifierAlt:   input.AltLeft,
	browser.KeyModifierCtrl:  input.ControlLeft,
	browser.KeyModifierMeta:  input.MetaLeft,
}

var namedKeys = map[browser.Key]input.Key{
	browser.KeyEnter:     input.Enter,
	browser.KeyTab:       input.Tab,
	browser.KeyEscape:    input.Escape,
	browser.KeyBackspace: input.Backspace,
}
