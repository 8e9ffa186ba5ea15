package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Method names the extraction strategy that produced a response.
type Method string

const (
	MethodClipboardCopy Method = "clipboard"
	MethodDOMScript     Method = "dom_script"
	MethodDOMText       Method = "dom_text"
	MethodRawText       Method = "raw_text"
)

// Page is what a strategy may touch while extracting.
type Page struct {
	Handle    browser.Handle
	Selectors Selectors
	Clock     browser.Clock
	// CopyDelay is the wait between clicking the copy affordance and reading.
	CopyDelay time.Duration
}

// Strategy turns the latest rendered answer into text. An empty result or an
// error moves the cascade to the next strategy.
type Strategy interface {
	Method() Method
	Extract(ctx context.Context, page Page) (string, error)
}

var errNoCopyButton = errors.New("no copy affordance on page")

// DefaultStrategies returns the cascade in preference order. A nil clipboard
// drops the OS clipboard strategy.
func DefaultStrategies(cb Clipboard) []Strategy {
	var out []Strategy
	if cb != nil {
		out = append(out, ClipboardCopy{Clipboard: cb})
	}
	return append(out, DOMScript{}, DOMText{}, RawText{})
}

// ClipboardCopy clicks the copy affordance and reads the OS clipboard,
// clearing it before and after so the answer does not linger there.
type ClipboardCopy struct {
	Clipboard Clipboard
}

func (ClipboardCopy) Method() Method { return MethodClipboardCopy }

func (s ClipboardCopy) Extract(ctx context.Context, page Page) (string, error) {
	if s.Clipboard == nil {
		return "", ErrClipboardUnavailable
	}
	clipboardMu.Lock()
	defer clipboardMu.Unlock()

	if err := s.Clipboard.WriteAll(""); err != nil {
		return "", fmt.Errorf("clear clipboard: %w", err)
	}
	defer func() { _ = s.Clipboard.WriteAll("") }()

	if err := clickCopy(ctx, page); err != nil {
		return "", err
	}
	return s.Clipboard.ReadAll()
}

// DOMScript clicks the copy affordance and reads the page's own clipboard
// through navigator.clipboard.
type DOMScript struct{}

const readClipboardScript = `() => navigator.clipboard.readText().catch(() => '')`

func (DOMScript) Method() Method { return MethodDOMScript }

func (DOMScript) Extract(ctx context.Context, page Page) (string, error) {
	if err := clickCopy(ctx, page); err != nil {
		return "", err
	}
	out, err := page.Handle.RunAsyncScript(ctx, readClipboardScript)
	if err != nil {
		return "", err
	}
	text, _ := out.(string)
	return text, nil
}

// DOMText rebuilds the latest response container from its HTML.
type DOMText struct{}

func (DOMText) Method() Method { return MethodDOMText }

func (DOMText) Extract(ctx context.Context, page Page) (string, error) {
	el := browser.Last(ctx, page.Handle, page.Selectors.ResponseContent)
	if el == nil {
		return "", nil
	}
	src, err := el.HTML(ctx)
	if err != nil {
		return "", err
	}
	return RenderText(src)
}

// RawText returns the visible text of the latest non-user message.
type RawText struct{}

func (RawText) Method() Method { return MethodRawText }

func (RawText) Extract(ctx context.Context, page Page) (string, error) {
	el := browser.Last(ctx, page.Handle, page.Selectors.ResponseMessage)
	if el == nil {
		return "", nil
	}
	text, err := el.Text(ctx)
	return strings.TrimSpace(text), err
}

func clickCopy(ctx context.Context, page Page) error {
	btn := browser.Last(ctx, page.Handle, page.Selectors.CopyButton)
	if btn == nil {
		return errNoCopyButton
	}
	if err := page.Handle.Click(ctx, btn); err != nil {
		return err
	}
	clock := page.Clock
	if clock == nil {
		clock = browser.SystemClock{}
	}
	return clock.Sleep(ctx, page.CopyDelay)
}
