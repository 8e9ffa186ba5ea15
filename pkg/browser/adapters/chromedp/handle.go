package chromedp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Handle drives one chromedp tab context.
type Handle struct {
	ctx      context.Context
	cancel   func()
	attached bool
	probe    time.Duration

	closeOnce sync.Once
}

var _ browser.Handle = (*Handle)(nil)

const clearScript = `function () {
	const proto = Object.getPrototypeOf(this);
	const desc = proto && Object.getOwnPropertyDescriptor(proto, 'value');
	if (desc && desc.set) { desc.set.call(this, ''); }
	else if ('value' in this) { this.value = ''; }
	else { this.textContent = ''; }
	this.dispatchEvent(new Event('input', { bubbles: true }));
}`

const visibleScript = `function () {
	const r = this.getBoundingClientRect();
	const s = window.getComputedStyle(this);
	return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
}`

// run executes actions on the tab, bounded by both the tab lifetime and ctx.
func (h *Handle) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && h.ctx.Err() != nil {
		return errors.Join(browser.ErrSessionClosed, err)
	}
	return err
}

func (h *Handle) Navigate(ctx context.Context, url string) error {
	return browser.WrapError("navigate", h.run(ctx, chromedp.Navigate(url)))
}

func (h *Handle) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := h.run(ctx, chromedp.Location(&url)); err != nil {
		return "", browser.WrapError("current url", err)
	}
	return url, nil
}

func (h *Handle) FindAll(ctx context.Context, q browser.Query) ([]browser.Element, error) {
	by := chromedp.ByQueryAll
	if q.Kind == browser.QueryXPath {
		by = chromedp.BySearch
	}
	var nodes []*cdp.Node
	err := h.run(ctx, chromedp.Nodes(q.Expr, &nodes, by, chromedp.AtLeast(0)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if browser.IsConnectionError(err) {
			return nil, browser.WrapError("find", err)
		}
		return []browser.Element{}, nil
	}
	out := make([]browser.Element, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeType != cdp.NodeTypeElement {
			continue
		}
		out = append(out, &element{h: h, id: n.NodeID})
	}
	return out, nil
}

func (h *Handle) Type(ctx context.Context, el browser.Element, text string) error {
	insert := chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	})
	if el == nil {
		return browser.WrapError("type", h.run(ctx, insert))
	}
	e, err := h.own(el)
	if err != nil {
		return browser.WrapError("type", err)
	}
	return browser.WrapError("type", h.run(ctx, chromedp.Focus(e.ids(), chromedp.ByNodeID), insert))
}

func (h *Handle) PressKey(ctx context.Context, key browser.Key, modifiers ...browser.KeyModifier) error {
	k, ok := namedKeys[key]
	if !ok {
		return browser.WrapError("key", fmt.Errorf("unsupported key %s", key))
	}
	mods := make([]input.Modifier, 0, len(modifiers))
	for _, m := range modifiers {
		if mod, ok := modifierKeys[m]; ok {
			mods = append(mods, mod)
		}
	}
	return browser.WrapError("key", h.run(ctx, chromedp.KeyEvent(k, chromedp.KeyModifiers(mods...))))
}

func (h *Handle) Click(ctx context.Context, el browser.Element) error {
	e, err := h.own(el)
	if err != nil {
		return browser.WrapError("click", err)
	}
	clickCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.run(clickCtx, chromedp.Click(e.ids(), chromedp.ByNodeID)); err != nil {
		if ctx.Err() != nil || browser.IsConnectionError(err) {
			return browser.WrapError("click", err)
		}
		if _, jsErr := e.call(ctx, `function () { this.click(); }`); jsErr != nil {
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
	encoded := make([]string, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, browser.WrapError("script", err)
		}
		encoded = append(encoded, string(b))
	}
	call := fmt.Sprintf("(%s)(%s)", src, strings.Join(encoded, ","))
	// undefined has no JSON form; coerce it to null so decoding succeeds.
	expr := fmt.Sprintf("((v) => v === undefined ? null : v)(%s)", call)
	if await {
		expr = fmt.Sprintf("Promise.resolve(%s).then((v) => v === undefined ? null : v)", call)
	}
	var out any
	err := h.run(ctx, chromedp.Evaluate(expr, &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(await)
	}))
	if err != nil {
		return nil, browser.WrapError("script", err)
	}
	return out, nil
}

func (h *Handle) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	var raw []*network.Cookie
	err := h.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
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
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: network.CookieSameSite(c.SameSite),
	}
	if c.Expiry != nil {
		exp := cdp.TimeSinceEpoch(time.Unix(*c.Expiry, 0))
		param.Expires = &exp
	}
	actions := []chromedp.Action{}
	if c.Domain == "" {
		actions = append(actions, chromedp.Location(&param.URL))
	}
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies([]*network.CookieParam{param}).Do(ctx)
	}))
	return browser.WrapError("add cookie", h.run(ctx, actions...))
}

func (h *Handle) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := h.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, browser.WrapError("screenshot", err)
}

func (h *Handle) IsResponsive(ctx context.Context) bool {
	if h.ctx.Err() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, h.probe)
	defer cancel()
	var state string
	return h.run(probeCtx, chromedp.Evaluate(`document.readyState`, &state)) == nil
}

// Close cancels the tab. For launched browsers this also stops Chrome.
func (h *Handle) Close() error {
	h.closeOnce.Do(h.cancel)
	return nil
}

func (h *Handle) own(el browser.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil || e.h != h {
		return nil, browser.ErrForeignElement
	}
	return e, nil
}

type element struct {
	h  *Handle
	id cdp.NodeID
}

func (e *element) ids() []cdp.NodeID { return []cdp.NodeID{e.id} }

// call invokes fn with this bound to the element and returns its JSON value.
func (e *element) call(ctx context.Context, fn string) ([]byte, error) {
	var value []byte
	err := e.h.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(e.id).Do(ctx)
		if err != nil {
			return errors.Join(browser.ErrStaleElement, err)
		}
		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		if res != nil {
			value = []byte(res.Value)
		}
		return nil
	}))
	return value, err
}

func (e *element) Text(ctx context.Context) (string, error) {
	var s string
	err := e.h.run(ctx, chromedp.Text(e.ids(), &s, chromedp.ByNodeID))
	return s, browser.WrapError("text", err)
}

func (e *element) HTML(ctx context.Context) (string, error) {
	var s string
	err := e.h.run(ctx, chromedp.OuterHTML(e.ids(), &s, chromedp.ByNodeID))
	return s, browser.WrapError("html", err)
}

func (e *element) Clear(ctx context.Context) error {
	_, err := e.call(ctx, clearScript)
	return browser.WrapError("clear", err)
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	raw, err := e.call(ctx, visibleScript)
	if err != nil {
		return false, browser.WrapError("visible", err)
	}
	var ok bool
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ok); err != nil {
			return false, browser.WrapError("visible", err)
		}
	}
	return ok, nil
}

var modifierKeys = map[browser.KeyModifier]input.Modifier{
	browser.KeyModifierShift: input.ModifierShift,
	browser.KeyModifierAlt:   input.ModifierAlt,
	browser.KeyModifierCtrl:  input.ModifierCtrl,
	browser.KeyModifierMeta:  input.ModifierMeta,
}

var namedKeys = map[browser.Key]string{
	browser.KeyEnter:     kb.Enter,
	browser.KeyTab:       kb.Tab,
	browser.KeyEscape:    kb.Escape,
	browser.KeyBackspace: kb.Backspace,
}
