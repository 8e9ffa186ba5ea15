package session

import (
	cryptorand "crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultID is the browser id used when callers do not name one, so
// separate runs share one logged-in browser.
const DefaultID = "spark-ai-chat"

var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

var (
	entropyMu   sync.Mutex
	ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)
)

// GenerateSessionID returns a unique session ID using the provided base name
func GenerateSessionID(base string) string {
	base = NormalizeID(base)
	if base == "" {
		base = "session"
	}
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	entropyMu.Unlock()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}

// NormalizeID lowercases id and replaces characters unsafe in file names
// with dashes. It returns "" for blank input.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.ToLower(strings.ReplaceAll(id, " ", "-"))
	id = sessionNameSanitizer.ReplaceAllString(id, "-")
	return strings.Trim(id, "-")
}
