package chat_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/auth"
	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/browser/browsertest"
	"github.com/odvcencio/sparkbridge/pkg/chat"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/exchange"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
)

type memLedger struct {
	mu      sync.Mutex
	rows    []storage.ExchangeRecord
	threads map[string]string
}

func (l *memLedger) RecordExchange(_ context.Context, rec storage.ExchangeRecord) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, rec)
	return "row", nil
}

func (l *memLedger) SessionThread(_ context.Context, id string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threads[id], nil
}

func (l *memLedger) records() []storage.ExchangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.ExchangeRecord(nil), l.rows...)
}

// chatPage builds an authenticated chat page. Sending moves it onto thread
// "abc" and renders an answer.
func chatPage() *browsertest.Handle {
	sel := exchange.DefaultSelectors()
	h := browsertest.NewHandle("about:blank")
	h.Set(sel.Prompt, browsertest.NewElement("prompt"))
	send := browsertest.NewElement("send").OnClick(func() {
		h.SetURL(exchange.DefaultChatURL + "/threads/abc")
		h.Set(sel.CopyButton, browsertest.NewElement("copy"))
		h.Set(sel.ResponseMessage, browsertest.NewElement("message").WithText("The answer"))
	})
	h.Set(sel.SendButton, send)
	return h
}

type harness struct {
	client   *chat.Client
	launcher *browsertest.Launcher
	ledger   *memLedger
}

func newHarness(t *testing.T, cfg chat.Config, strategies ...exchange.Strategy) *harness {
	t.Helper()
	if len(strategies) == 0 {
		strategies = []exchange.Strategy{exchange.RawText{}}
	}
	clock := browsertest.NewClock()
	launcher := &browsertest.Launcher{Factory: chatPage}
	ledger := &memLedger{threads: map[string]string{}}

	pool := session.NewPool(launcher, session.DefaultConfig(), session.WithClock(clock))
	machine := auth.NewMachine(auth.DefaultConfig(), auth.WithClock(clock))
	protocol := exchange.NewProtocol(exchange.DefaultConfig(),
		exchange.WithClock(clock),
		exchange.WithStrategies(strategies...),
	)
	client := chat.New(pool, machine, protocol, cfg,
		chat.WithLedger(ledger),
		chat.WithClock(clock),
	)
	t.Cleanup(func() { _ = client.Close() })
	return &harness{client: client, launcher: launcher, ledger: ledger}
}

func navigations(h *browsertest.Handle) []string {
	var out []string
	for _, a := range h.Actions(browser.ActionNavigate) {
		out = append(out, a.Text)
	}
	return out
}

func TestSendAndReceiveSuccess(t *testing.T) {
	hs := newHarness(t, chat.Config{})

	res, err := hs.client.SendAndReceive(context.Background(), "spark-ai-chat", "Question", chat.Options{})
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSuccess, res.Status)
	assert.Equal(t, "The answer", res.Response)
	assert.Equal(t, "abc", res.ThreadID)
	assert.Equal(t, exchange.MethodRawText, res.Method)
	assert.Equal(t, exchange.SignalNewMarker, res.Signal)

	rows := hs.ledger.records()
	require.Len(t, rows, 1)
	assert.Equal(t, storage.StatusSuccess, rows[0].Status)
	assert.Equal(t, "spark-ai-chat", rows[0].SessionID)
	assert.Equal(t, "abc", rows[0].ThreadID)
	assert.Equal(t, 8, rows[0].MessageChars)
	assert.Equal(t, 10, rows[0].ResponseChars)

	infos := hs.client.Sessions()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].InUse)
	assert.True(t, infos[0].Authenticated)
	assert.Equal(t, "abc", infos[0].ThreadID)

	h := hs.launcher.Handles()[0]
	assert.Equal(t, []string{exchange.DefaultChatURL}, navigations(h))
}

func TestSendAndReceiveReusesSessionAndThread(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	ctx := context.Background()

	_, err := hs.client.SendAndReceive(ctx, "s1", "one", chat.Options{})
	require.NoError(t, err)
	res, err := hs.client.SendAndReceive(ctx, "s1", "two", chat.Options{ThreadID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.ThreadID)

	require.Len(t, hs.launcher.Handles(), 1)
	// Same thread as the session already holds: no extra navigation.
	assert.Len(t, navigations(hs.launcher.Handles()[0]), 1)
}

func TestSendAndReceiveRejectsEmptyMessage(t *testing.T) {
	hs := newHarness(t, chat.Config{})

	res, err := hs.client.SendAndReceive(context.Background(), "s1", "  \n", chat.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	assert.Equal(t, chat.StatusError, res.Status)
	assert.Equal(t, "No message provided", res.Error)
	assert.Empty(t, hs.launcher.Launches())
}

func TestLostBrowserIsRebuiltNextCall(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	ctx := context.Background()

	_, err := hs.client.SendAndReceive(ctx, "s1", "warm up", chat.Options{})
	require.NoError(t, err)
	hs.launcher.Handles()[0].Fail(browser.ActionTypeText, browser.ErrConnectionLost)

	res, err := hs.client.SendAndReceive(ctx, "s1", "hello", chat.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionLost))
	assert.Equal(t, chat.StatusError, res.Status)

	_, err = hs.client.SendAndReceive(ctx, "s1", "again", chat.Options{})
	require.NoError(t, err)
	assert.Len(t, hs.launcher.Handles(), 2)

	rows := hs.ledger.records()
	require.Len(t, rows, 3)
	assert.Equal(t, storage.StatusError, rows[1].Status)
	assert.Equal(t, string(apperrors.ErrCodeSessionLost), rows[1].ErrorCode)
}

type emptyStrategy struct{}

func (emptyStrategy) Method() exchange.Method { return exchange.MethodRawText }

func (emptyStrategy) Extract(context.Context, exchange.Page) (string, error) { return "", nil }

func TestExtractionFailureKeepsSession(t *testing.T) {
	hs := newHarness(t, chat.Config{}, emptyStrategy{})

	res, err := hs.client.SendAndReceive(context.Background(), "s1", "hello", chat.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExtraction))
	assert.Equal(t, "Could not read the response from the page", res.Error)

	require.Len(t, hs.client.Sessions(), 1)
	assert.Zero(t, hs.launcher.Handles()[0].CloseCount())
	rows := hs.ledger.records()
	require.Len(t, rows, 1)
	assert.Equal(t, string(apperrors.ErrCodeExtraction), rows[0].ErrorCode)
}

func TestCloseAfterCall(t *testing.T) {
	hs := newHarness(t, chat.Config{CloseAfterCall: true})
	ctx := context.Background()

	_, err := hs.client.SendAndReceive(ctx, "s1", "hello", chat.Options{KeepOpen: true})
	require.NoError(t, err)
	assert.Len(t, hs.client.Sessions(), 1)

	_, err = hs.client.SendAndReceive(ctx, "s1", "bye", chat.Options{})
	require.NoError(t, err)
	assert.Empty(t, hs.client.Sessions())
	assert.Equal(t, 1, hs.launcher.Handles()[0].CloseCount())
}

func TestNewSessionResumesLedgerThread(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	hs.ledger.threads["s1"] = "t-9"

	_, err := hs.client.SendAndReceive(context.Background(), "s1", "hello", chat.Options{})
	require.NoError(t, err)
	nav := navigations(hs.launcher.Handles()[0])
	require.NotEmpty(t, nav)
	assert.Equal(t, exchange.DefaultChatURL+"/threads/t-9", nav[0])
}

func TestNewThreadIgnoresLedgerThread(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	hs.ledger.threads["s1"] = "t-9"

	_, err := hs.client.SendAndReceive(context.Background(), "s1", "hello", chat.Options{NewThread: true})
	require.NoError(t, err)
	assert.Equal(t, []string{exchange.DefaultChatURL}, navigations(hs.launcher.Handles()[0]))
}

func TestNewSessionLoadsCookieFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name": "sid", "value": "v1", "domain": ".spark.unimelb.edu.au", "path": "/", "secure": true},
		{"name": "other", "value": "v2", "domain": "example.com"},
		{"name": "bad", "value": "v3", "domain": "spark.unimelb.edu.au", "sameSite": "None"}
	]`), 0o600))
	hs := newHarness(t, chat.Config{CookieFile: path})

	_, err := hs.client.SendAndReceive(context.Background(), "s1", "hello", chat.Options{})
	require.NoError(t, err)

	h := hs.launcher.Handles()[0]
	jar := h.Jar()
	require.Len(t, jar, 1)
	assert.Equal(t, "sid", jar[0].Name)
	nav := navigations(h)
	require.NotEmpty(t, nav)
	assert.Equal(t, "https://spark.unimelb.edu.au", nav[0])
}

func TestAttachOnlyReportsThread(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	hs.launcher.Factory = func() *browsertest.Handle {
		return browsertest.NewHandle(exchange.DefaultChatURL + "/threads/xyz?tab=1")
	}

	info, err := hs.client.AttachOnly(context.Background(), "attached", "localhost:9222")
	require.NoError(t, err)
	assert.Equal(t, "attached", info.SessionID)
	assert.Equal(t, "xyz", info.ThreadID)
	assert.Equal(t, []string{"localhost:9222"}, hs.launcher.Attaches())
	require.Len(t, hs.client.Sessions(), 1)
	assert.True(t, hs.client.Sessions()[0].Attached)
}

func TestDestroy(t *testing.T) {
	hs := newHarness(t, chat.Config{})
	_, err := hs.client.SendAndReceive(context.Background(), "s1", "hello", chat.Options{})
	require.NoError(t, err)

	require.NoError(t, hs.client.Destroy("s1"))
	assert.Empty(t, hs.client.Sessions())
	require.NoError(t, hs.client.Destroy("s1"))
}

func TestAuthOptionsStringRedactsPassword(t *testing.T) {
	opts := chat.AuthOptions{Username: "me", Password: "hunter2"}
	assert.NotContains(t, opts.String(), "hunter2")
}

func TestCallTimeoutIsReportedAndSessionSurvives(t *testing.T) {
	sel := exchange.DefaultSelectors()
	clicks := 0
	launcher := &browsertest.Launcher{Factory: func() *browsertest.Handle {
		h := browsertest.NewHandle("about:blank")
		h.Set(sel.Prompt, browsertest.NewElement("prompt"))
		// The first message never gets an answer.
		h.Set(sel.SendButton, browsertest.NewElement("send").OnClick(func() {
			clicks++
			if clicks == 1 {
				return
			}
			h.SetURL(exchange.DefaultChatURL + "/threads/abc")
			h.Set(sel.CopyButton, browsertest.NewElement("copy"))
			h.Set(sel.ResponseMessage, browsertest.NewElement("message").WithText("The answer"))
		}))
		return h
	}}

	fake := browsertest.NewClock()
	cfg := exchange.DefaultConfig()
	cfg.LineDelay = 0
	cfg.PulseTimeout = 10 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SettleDelay = 0
	cfg.SubTimeout = time.Hour
	cfg.ResponseTimeout = time.Hour
	pool := session.NewPool(launcher, session.DefaultConfig(), session.WithClock(fake))
	machine := auth.NewMachine(auth.DefaultConfig(), auth.WithClock(fake))
	protocol := exchange.NewProtocol(cfg,
		exchange.WithClock(browser.SystemClock{}),
		exchange.WithStrategies(exchange.RawText{}),
	)
	ledger := &memLedger{threads: map[string]string{}}
	client := chat.New(pool, machine, protocol, chat.Config{}, chat.WithLedger(ledger))
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	res, err := client.SendAndReceive(ctx, "s1", "slow", chat.Options{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTimeout), "got %v", err)
	assert.Equal(t, chat.StatusError, res.Status)
	assert.Equal(t, "Timed out waiting for the response", res.Error)
	assert.NotContains(t, res.Error, "deadline")
	assert.GreaterOrEqual(t, res.Elapsed, 200*time.Millisecond)

	rows := ledger.records()
	require.Len(t, rows, 1)
	assert.Equal(t, string(apperrors.ErrCodeTimeout), rows[0].ErrorCode)

	res, err = client.SendAndReceive(ctx, "s1", "again", chat.Options{})
	require.NoError(t, err)
	assert.Equal(t, "The answer", res.Response)
	assert.Equal(t, "abc", res.ThreadID)
	assert.Len(t, launcher.Launches(), 1)
}
