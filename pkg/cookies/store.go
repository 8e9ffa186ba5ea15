// Package cookies persists browser cookies between runs so a saved SSO session
// can be restored without logging in again.
//
// The file is plain JSON written by one process at a time; concurrent writers
// are not coordinated.
package cookies

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

// fileCookie mirrors the on-disk shape. Expiry is decoded as a float because
// exporters write fractional seconds.
type fileCookie struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	Domain   string   `json:"domain,omitempty"`
	Path     string   `json:"path,omitempty"`
	Expiry   *float64 `json:"expiry,omitempty"`
	Secure   bool     `json:"secure,omitempty"`
	HTTPOnly bool     `json:"httpOnly,omitempty"`
	SameSite string   `json:"sameSite,omitempty"`
}

// Load reads a cookie file and drops cookies the browser would reject.
func Load(path string) ([]browser.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCookieRead, "failed to read cookie file").
			WithContext("path", path).
			WithRemediation("Check the SPARKAI_COOKIE_FILE path", "Log in once with a cookie file configured to create it")
	}
	var raw []fileCookie
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCookieRead, "cookie file is not a JSON array").
			WithContext("path", path)
	}

	cookies := make([]browser.Cookie, 0, len(raw))
	for _, fc := range raw {
		c := browser.Cookie{
			Name:     fc.Name,
			Value:    fc.Value,
			Domain:   fc.Domain,
			Path:     fc.Path,
			Secure:   fc.Secure,
			HTTPOnly: fc.HTTPOnly,
			SameSite: fc.SameSite,
		}
		if fc.Expiry != nil {
			exp := int64(math.Trunc(*fc.Expiry))
			c.Expiry = &exp
		}
		cookies = append(cookies, c)
	}
	return Filter(cookies), nil
}

// Filter keeps cookies that carry a domain and are not SameSite=None without
// the secure flag. Order is preserved.
func Filter(cookies []browser.Cookie) []browser.Cookie {
	out := make([]browser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if strings.TrimSpace(c.Domain) == "" {
			continue
		}
		if c.SameSite == "None" && !c.Secure {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Save writes cookies as a JSON array readable only by the owner. The file is
// replaced atomically.
func Save(path string, cookies []browser.Cookie) error {
	if cookies == nil {
		cookies = []browser.Cookie{}
	}
	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to encode cookies")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to create cookie directory").
			WithContext("path", path)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to create temp cookie file").
			WithContext("path", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to restrict cookie file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to write cookies")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, "failed to write cookies")
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return apperrors.Wrap(err, apperrors.ErrCodeCookieWrite, fmt.Sprintf("failed to replace %s", filepath.Base(path))).
			WithContext("path", path)
	}
	return nil
}
