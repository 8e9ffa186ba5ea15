package browser

import (
	"context"
	"sync"
	"time"
)

// Instrument wraps h so every operation is counted in m under sessionID.
// A nil m returns h unchanged.
func Instrument(h Handle, m *Metrics, sessionID string) Handle {
	if m == nil || h == nil {
		return h
	}
	m.RecordHandleOpened()
	return &instrumented{inner: h, metrics: m, sessionID: sessionID}
}

// Unwrap returns the handle beneath any instrumentation.
func Unwrap(h Handle) Handle {
	if ih, ok := h.(*instrumented); ok {
		return ih.inner
	}
	return h
}

type instrumented struct {
	inner     Handle
	metrics   *Metrics
	sessionID string
	closeOnce sync.Once
}

func (i *instrumented) record(action ActionType, start time.Time, err error) {
	i.metrics.RecordAction(i.sessionID, action, err, time.Since(start))
}

func (i *instrumented) Navigate(ctx context.Context, url string) error {
	start := time.Now()
	err := i.inner.Navigate(ctx, url)
	i.record(ActionNavigate, start, err)
	return err
}

func (i *instrumented) CurrentURL(ctx context.Context) (string, error) {
	return i.inner.CurrentURL(ctx)
}

func (i *instrumented) FindAll(ctx context.Context, q Query) ([]Element, error) {
	start := time.Now()
	els, err := i.inner.FindAll(ctx, q)
	i.record(ActionFind, start, err)
	return els, err
}

func (i *instrumented) Type(ctx context.Context, el Element, text string) error {
	start := time.Now()
	err := i.inner.Type(ctx, el, text)
	i.record(ActionTypeText, start, err)
	return err
}

func (i *instrumented) PressKey(ctx context.Context, key Key, modifiers ...KeyModifier) error {
	start := time.Now()
	err := i.inner.PressKey(ctx, key, modifiers...)
	i.record(ActionKey, start, err)
	return err
}

func (i *instrumented) Click(ctx context.Context, el Element) error {
	start := time.Now()
	err := i.inner.Click(ctx, el)
	i.record(ActionClick, start, err)
	return err
}

func (i *instrumented) RunScript(ctx context.Context, src string, args ...any) (any, error) {
	start := time.Now()
	out, err := i.inner.RunScript(ctx, src, args...)
	i.record(ActionScript, start, err)
	return out, err
}

func (i *instrumented) RunAsyncScript(ctx context.Context, src string, args ...any) (any, error) {
	start := time.Now()
	out, err := i.inner.RunAsyncScript(ctx, src, args...)
	i.record(ActionScript, start, err)
	return out, err
}

func (i *instrumented) Cookies(ctx context.Context) ([]Cookie, error) {
	start := time.Now()
	out, err := i.inner.Cookies(ctx)
	i.record(ActionCookies, start, err)
	return out, err
}

func (i *instrumented) AddCookie(ctx context.Context, c Cookie) error {
	start := time.Now()
	err := i.inner.AddCookie(ctx, c)
	i.record(ActionCookies, start, err)
	return err
}

func (i *instrumented) Screenshot(ctx context.Context) ([]byte, error) {
	start := time.Now()
	out, err := i.inner.Screenshot(ctx)
	i.record(ActionScreenshot, start, err)
	return out, err
}

func (i *instrumented) IsResponsive(ctx context.Context) bool {
	return i.inner.IsResponsive(ctx)
}

func (i *instrumented) Close() error {
	err := i.inner.Close()
	i.closeOnce.Do(i.metrics.RecordHandleClosed)
	return err
}
