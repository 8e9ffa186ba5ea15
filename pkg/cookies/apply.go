package cookies

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/logging"
)

// ApplyResult counts what Apply did with each cookie.
type ApplyResult struct {
	Added   int
	Skipped int // domain does not match the page host
	Failed  int // the browser rejected the cookie
}

// Apply navigates to the site origin, adds every cookie whose domain matches
// the page host, then reloads so the page sees them. Per-cookie failures are
// counted and skipped.
func Apply(ctx context.Context, h browser.Handle, cookies []browser.Cookie, siteURL string, logger *slog.Logger) (ApplyResult, error) {
	logger = logging.OrDiscard(logger)
	var res ApplyResult

	origin, err := Origin(siteURL)
	if err != nil {
		return res, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid site url").WithContext("url", siteURL)
	}
	if err := h.Navigate(ctx, origin); err != nil {
		return res, err
	}
	current, err := h.CurrentURL(ctx)
	if err != nil {
		return res, err
	}
	host := hostOf(current)

	for _, c := range Filter(cookies) {
		if !domainMatches(host, c.Domain) {
			res.Skipped++
			continue
		}
		if err := h.AddCookie(ctx, c); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			logger.Debug("cookie rejected", "name", c.Name, "domain", c.Domain, "error", err)
			res.Failed++
			continue
		}
		res.Added++
	}

	if err := h.Navigate(ctx, current); err != nil {
		return res, err
	}
	return res, nil
}

// Capture returns the handle's current cookies.
func Capture(ctx context.Context, h browser.Handle) ([]browser.Cookie, error) {
	return h.Cookies(ctx)
}

// Origin reduces a URL to scheme://host.
func Origin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: errMissingHost}
	}
	return u.Scheme + "://" + u.Host, nil
}

var errMissingHost = errors.New("url needs a scheme and host")

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
