package exchange

import (
	"net/url"
	"strings"
)

// DefaultChatURL is the chat landing page.
const DefaultChatURL = "https://spark.unimelb.edu.au/securechat"

const threadSegment = "/threads/"

// ThreadURL returns the page for threadID, or base when threadID is empty.
func ThreadURL(base, threadID string) string {
	base = strings.TrimRight(base, "/")
	if threadID == "" {
		return base
	}
	return base + threadSegment + url.PathEscape(threadID)
}

// ThreadIDFromURL extracts the thread id from a chat URL, or "" when the
// URL is not a thread page.
func ThreadIDFromURL(raw string) string {
	_, rest, ok := strings.Cut(raw, threadSegment)
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, "?#/"); i >= 0 {
		rest = rest[:i]
	}
	if id, err := url.PathUnescape(rest); err == nil {
		return id
	}
	return rest
}

var reauthMarkers = []string{"login", "authorize", "sso", "authenticate"}

// NeedsReauth reports whether the page at current has left the chat for an
// identity provider, or never reached the chat origin.
func NeedsReauth(current, base string) bool {
	lower := strings.ToLower(current)
	for _, marker := range reauthMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return !strings.HasPrefix(current, Origin(base))
}

// Origin returns scheme://host of raw, or raw itself when it does not parse.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
