package exchange

import (
	"context"
	"errors"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/observability"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Extract runs the strategy cascade and returns the first non-empty text.
// It reads the latest answer only, so it can be repeated until another
// message is sent. Strategy failures fall through to the next strategy;
// cancellation and a lost browser stop the cascade.
func (p *Protocol) Extract(ctx context.Context, h browser.Handle, sessionID string) (_ string, _ Method, err error) {
	ctx, span := observability.StartSpan(ctx, "exchange.Extract",
		observability.AttrSessionID.String(sessionID),
	)
	defer func() { observability.End(span, err) }()

	page := Page{Handle: h, Selectors: p.sel, Clock: p.clock, CopyDelay: p.cfg.CopyDelay}
	tried := make([]string, 0, len(p.strategies))
	for _, s := range p.strategies {
		method := s.Method()
		tried = append(tried, string(method))

		text, serr := s.Extract(ctx, page)
		text = normalizeText(text)
		p.hub.Emit(telemetry.EventExtractionAttempt, sessionID, map[string]any{
			"method": string(method),
			"ok":     serr == nil && text != "",
		})
		if serr != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			if browser.IsConnectionError(serr) || errors.Is(serr, browser.ErrSessionClosed) {
				return "", "", serr
			}
			p.logger.Debug("extraction strategy failed", "session_id", sessionID, "method", string(method), "error", serr)
			continue
		}
		if text != "" {
			observability.AddEvent(ctx, "extracted", observability.AttrMethod.String(string(method)))
			return text, method, nil
		}
	}
	return "", "", apperrors.Extraction(tried).WithContext("session", sessionID)
}
