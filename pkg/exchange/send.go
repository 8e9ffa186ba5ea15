package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/observability"
)

var errElementMissing = errors.New("element not found")

// Send types text into the prompt and submits it. The first line is typed
// directly; each later line follows a Shift+Enter so the page keeps it in
// the same message.
func (p *Protocol) Send(ctx context.Context, h browser.Handle, text string) (err error) {
	ctx, span := observability.StartSpan(ctx, "exchange.Send",
		observability.AttrChars.Int(len([]rune(text))),
	)
	defer func() { observability.End(span, err) }()

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	err = p.step(ctx, "compose", func(ctx context.Context) error {
		prompt, err := p.poller.WaitFor(ctx, h, p.sel.Prompt, p.cfg.PromptTimeout)
		if err != nil {
			return classify("find prompt", err)
		}
		if prompt == nil {
			return apperrors.TransientUI("find prompt", errElementMissing)
		}
		if err := prompt.Clear(ctx); err != nil {
			return classify("clear prompt", err)
		}
		if err := h.Type(ctx, prompt, lines[0]); err != nil {
			return classify("type", err)
		}
		for _, line := range lines[1:] {
			if err := h.PressKey(ctx, browser.KeyEnter, browser.KeyModifierShift); err != nil {
				return classify("soft newline", err)
			}
			if err := h.Type(ctx, nil, line); err != nil {
				return classify("type", err)
			}
			if err := p.clock.Sleep(ctx, p.cfg.LineDelay); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = p.step(ctx, "submit", func(ctx context.Context) error {
		btn, err := p.poller.WaitFor(ctx, h, p.sel.SendButton, p.cfg.SendButtonTimeout)
		if err != nil {
			return classify("find send button", err)
		}
		if btn == nil {
			return apperrors.TransientUI("find send button", errElementMissing)
		}
		return classify("click send", h.Click(ctx, btn))
	})
	if err != nil {
		return err
	}

	// The pulse may never appear for short prompts.
	if _, err := p.poller.WaitGone(ctx, h, p.sel.Pulse, p.cfg.PulseTimeout); err != nil {
		return err
	}
	return nil
}

// step runs fn, retrying transient UI failures up to StepAttempts times.
func (p *Protocol) step(ctx context.Context, name string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.StepAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !apperrors.IsCode(err, apperrors.ErrCodeTransientUI) {
			return err
		}
		p.logger.Debug("send step failed", "step", name, "attempt", attempt, "error", err)
		if attempt < p.cfg.StepAttempts {
			if serr := p.clock.Sleep(ctx, p.cfg.StepBackoff); serr != nil {
				return serr
			}
		}
	}
	return err
}

// classify keeps cancellation and lost connections as they are and marks
// every other driver failure as a retryable UI error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || browser.IsConnectionError(err) {
		return err
	}
	return apperrors.TransientUI(op, err)
}
