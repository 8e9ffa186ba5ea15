package exchange

import (
	"context"
	"errors"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Signal is the UI change taken as proof that an answer finished.
type Signal string

const (
	// SignalAnimationCleared: a generating indicator was seen and then went away.
	SignalAnimationCleared Signal = "animation_cleared"
	// SignalNewMarker: a copy affordance appeared beyond the pre-send count.
	SignalNewMarker Signal = "new_marker"
	// SignalContentStabilized: the latest answer read the same twice in a row.
	SignalContentStabilized Signal = "content_stabilized"
)

// AwaitCompletion waits for the first completion signal. baseline is the copy
// marker count taken before sending. Content stabilization is only consulted
// once SubTimeout has passed. Running out of ResponseTimeout is a TIMEOUT
// error and leaves the page untouched.
func (p *Protocol) AwaitCompletion(ctx context.Context, h browser.Handle, sessionID string, baseline int) (_ Signal, err error) {
	ctx, span := observability.StartSpan(ctx, "exchange.AwaitCompletion",
		observability.AttrSessionID.String(sessionID),
	)
	defer func() { observability.End(span, err) }()

	var (
		start    = p.clock.Now()
		seen     bool
		previous string
		signal   Signal
	)
	err = p.poller.Until(ctx, p.cfg.ResponseTimeout, func(ctx context.Context) (bool, error) {
		markers, err := h.FindAll(ctx, p.sel.CopyButton)
		if err != nil && browser.IsConnectionError(err) {
			return false, err
		}

		if p.indicatorPresent(ctx, h) {
			seen = true
		} else if seen {
			signal = SignalAnimationCleared
			return true, nil
		}

		if len(markers) > baseline {
			signal = SignalNewMarker
			return true, nil
		}

		if p.clock.Now().Sub(start) < p.cfg.SubTimeout {
			return false, nil
		}
		text := latestText(ctx, h, p.sel.ResponseMessage)
		if text != "" && text == previous {
			signal = SignalContentStabilized
			return true, nil
		}
		previous = text
		return false, nil
	})
	if errors.Is(err, browser.ErrOperationTimeout) {
		p.hub.Emit(telemetry.EventExchangeFailed, sessionID, map[string]any{"stage": "completion"})
		return "", apperrors.Timeout("response", p.cfg.ResponseTimeout).WithContext("session", sessionID)
	}
	if err != nil {
		return "", err
	}

	observability.SetAttributes(ctx, observability.AttrSignal.String(string(signal)))
	p.hub.Emit(telemetry.EventCompletionSignal, sessionID, map[string]any{
		"signal":     string(signal),
		"elapsed_ms": p.clock.Now().Sub(start).Milliseconds(),
	})
	p.logger.Debug("completion detected", "session_id", sessionID, "signal", string(signal))

	if err := p.clock.Sleep(ctx, p.cfg.SettleDelay); err != nil {
		return "", err
	}
	return signal, nil
}

func (p *Protocol) indicatorPresent(ctx context.Context, h browser.Handle) bool {
	return browser.Count(ctx, h, p.sel.Pulse) > 0 || browser.Count(ctx, h, p.sel.Thinking) > 0
}

func latestText(ctx context.Context, h browser.Handle, q browser.Query) string {
	el := browser.Last(ctx, h, q)
	if el == nil {
		return ""
	}
	text, err := el.Text(ctx)
	if err != nil {
		return ""
	}
	return text
}
