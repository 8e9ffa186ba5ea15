package cookies

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/browser/browsertest"
)

func TestApplyAddsMatchingCookies(t *testing.T) {
	ctx := context.Background()
	h := browsertest.NewHandle("about:blank")
	h.Fail(browser.ActionCookies, errors.New("invalid cookie"))

	res, err := Apply(ctx, h, []browser.Cookie{
		{Name: "rejected", Value: "x", Domain: "spark.unimelb.edu.au"},
		{Name: "sid", Value: "a", Domain: ".unimelb.edu.au", Secure: true},
		{Name: "other", Value: "b", Domain: "example.com"},
		{Name: "nodomain", Value: "c"},
	}, "https://spark.unimelb.edu.au/securechat/threads/abc", nil)
	require.NoError(t, err)

	assert.Equal(t, ApplyResult{Added: 1, Skipped: 1, Failed: 1}, res)
	jar := h.Jar()
	require.Len(t, jar, 1)
	assert.Equal(t, "sid", jar[0].Name)

	navs := h.Actions(browser.ActionNavigate)
	require.Len(t, navs, 2)
	assert.Equal(t, "https://spark.unimelb.edu.au", navs[0].Text)
	assert.Equal(t, "https://spark.unimelb.edu.au", navs[1].Text, "page is reloaded after cookies are added")
}

func TestApplyRejectsBadURL(t *testing.T) {
	h := browsertest.NewHandle("about:blank")
	_, err := Apply(context.Background(), h, nil, "not a url", nil)
	require.Error(t, err)
	assert.Empty(t, h.Actions(browser.ActionNavigate))
}

func TestCapture(t *testing.T) {
	h := browsertest.NewHandle("https://spark.unimelb.edu.au/securechat")
	h.SetCookies(browser.Cookie{Name: "sid", Value: "a", Domain: "spark.unimelb.edu.au"})
	got, err := Capture(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sid", got[0].Name)
}

func TestDomainMatches(t *testing.T) {
	assert.True(t, domainMatches("spark.unimelb.edu.au", ".unimelb.edu.au"))
	assert.True(t, domainMatches("spark.unimelb.edu.au", "spark.unimelb.edu.au"))
	assert.False(t, domainMatches("spark.unimelb.edu.au", "melb.edu.au.evil"))
	assert.False(t, domainMatches("notunimelb.edu.au", "unimelb.edu.au"))
	assert.False(t, domainMatches("", "unimelb.edu.au"))
}

func TestWatcherReportsExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, Save(path, nil))

	w, err := NewWatcher(path, nil, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(0), w.Version())

	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"sid","value":"b","domain":"x"}]`), 0o600))
	require.Eventually(t, func() bool { return w.Version() == 1 }, 5*time.Second, 20*time.Millisecond)

	// A write recorded with Sync is not reported again.
	require.NoError(t, Save(path, []browser.Cookie{{Name: "sid", Value: "c", Domain: "x"}}))
	w.Sync()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, uint64(1), w.Version())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
