package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/chat"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/session"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

type call struct {
	sessionID string
	text      string
	opts      chat.Options
}

type fakeChat struct {
	mu        sync.Mutex
	calls     []call
	destroyed []string
	sessions  []session.Info
	result    chat.Result
	err       error
	delay     time.Duration
	// block waits for the call context to end and returns its error.
	block bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeChat) SendAndReceive(ctx context.Context, sessionID, text string, opts chat.Options) (chat.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.block {
		<-ctx.Done()
		return chat.Result{Status: chat.StatusError, Error: ctx.Err().Error()}, ctx.Err()
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{sessionID: sessionID, text: text, opts: opts})
	f.mu.Unlock()
	if f.err != nil {
		return chat.Result{Status: chat.StatusError, Error: apperrors.UserMessage(f.err)}, f.err
	}
	return f.result, nil
}

func (f *fakeChat) Sessions() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Info(nil), f.sessions...)
}

func (f *fakeChat) Destroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeChat) lastCall(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeHistory struct {
	records []storage.ExchangeRecord
	limit   int
}

func (h *fakeHistory) RecentExchanges(_ context.Context, limit int) ([]storage.ExchangeRecord, error) {
	h.limit = limit
	return h.records, nil
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("closed") }

func newTestServer(fc *fakeChat, opts ...Option) *Server {
	return New(fc, Config{SessionID: "spark-ai-chat"}, opts...)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestQueryReturnsResponse(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Response: "Hi there", Status: chat.StatusSuccess, ThreadID: "abc"}}
	h := newTestServer(fc).Handler()

	rr := post(t, h, `{"message":"Hello"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Hi there", resp.Response)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "abc", resp.ThreadID)

	c := fc.lastCall(t)
	assert.Equal(t, "spark-ai-chat", c.sessionID)
	assert.Equal(t, "Hello", c.text)
	assert.True(t, c.opts.Headless)
	assert.False(t, c.opts.KeepOpen)
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestQueryRejectsEmptyMessage(t *testing.T) {
	fc := &fakeChat{}
	h := newTestServer(fc).Handler()

	for _, body := range []string{`{}`, `{"message":"   "}`} {
		rr := post(t, h, body)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.JSONEq(t, `{"error":"No message provided"}`, rr.Body.String())
	}
	assert.Empty(t, fc.calls)
}

func TestQueryMapsRequestOptions(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Status: chat.StatusSuccess}}
	h := newTestServer(fc).Handler()

	post(t, h, `{"message":"x","thread_id":"None","keep_open":true,"no-headless":true,"browser_id":"Work Browser"}`)
	c := fc.lastCall(t)
	assert.Equal(t, "", c.opts.ThreadID)
	assert.True(t, c.opts.KeepOpen)
	assert.False(t, c.opts.Headless)
	assert.Equal(t, session.NormalizeID("Work Browser"), c.sessionID)

	post(t, h, `{"message":"x","thread_id":"t-42","no_headless":true,"new_thread":true}`)
	c = fc.lastCall(t)
	assert.Equal(t, "t-42", c.opts.ThreadID)
	assert.False(t, c.opts.NewThread)
	assert.False(t, c.opts.Headless)
}

func TestQueryAppliesDefaults(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Status: chat.StatusSuccess}}
	srv := New(fc, Config{Defaults: chat.Options{
		Timeout: time.Minute,
		Auth:    chat.AuthOptions{Username: "u1", Password: "pw"},
	}})

	post(t, srv.Handler(), `{"message":"x"}`)
	c := fc.lastCall(t)
	assert.Equal(t, session.DefaultID, c.sessionID)
	assert.Equal(t, time.Minute, c.opts.Timeout)
	assert.Equal(t, "u1", c.opts.Auth.Username)
}

func TestQueryErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"timeout", apperrors.Timeout("completion", 2*time.Minute), http.StatusGatewayTimeout, "TIMEOUT"},
		{"extraction", apperrors.Extraction([]string{"clipboard"}), http.StatusBadGateway, "EXTRACTION"},
		{"auth", apperrors.Authentication("failed", nil), http.StatusUnauthorized, "AUTHENTICATION"},
		{"lost", apperrors.SessionLost("s", errors.New("gone")), http.StatusServiceUnavailable, "SESSION_LOST"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeChat{err: tt.err}
			rr := post(t, newTestServer(fc).Handler(), `{"message":"x"}`)

			require.Equal(t, tt.status, rr.Code)
			var resp QueryResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, resp.Response)
		})
	}
}

func TestQueryRequestTimeoutIsGatewayTimeout(t *testing.T) {
	fc := &fakeChat{block: true}
	srv := New(fc, Config{SessionID: "spark-ai-chat", RequestTimeout: 50 * time.Millisecond})
	rr := post(t, srv.Handler(), `{"message":"x"}`)

	require.Equal(t, http.StatusGatewayTimeout, rr.Code)
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "TIMEOUT", resp.Code)
	assert.Equal(t, "Timed out waiting for the response", resp.Error)
	assert.NotContains(t, resp.Error, "deadline")
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.Equal(t, 2, l.size())

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, l.Allow("10.0.0.3"))
	assert.Equal(t, 1, l.size())
}

func TestRateLimiterCapsClients(t *testing.T) {
	l := newClientLimiter(1, 1)
	l.maxClients = 3
	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	assert.LessOrEqual(t, l.size(), 3)
	// The newest client keeps its spent bucket.
	assert.False(t, l.Allow("10.0.0.9"))
}

func TestQueryRejectsOversizedBody(t *testing.T) {
	fc := &fakeChat{}
	srv := New(fc, Config{MaxBodyBytes: 32})
	rr := post(t, srv.Handler(), `{"message":"`+strings.Repeat("a", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, fc.calls)
}

func TestQueryRejectsMalformedJSON(t *testing.T) {
	rr := post(t, newTestServer(&fakeChat{}).Handler(), `{"message":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQuerySerializesPerSession(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Status: chat.StatusSuccess}, delay: 20 * time.Millisecond}
	h := newTestServer(fc).Handler()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(t, h, `{"message":"x"}`)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fc.maxInFlight.Load())
	assert.Len(t, fc.calls, 4)
}

func TestQueryDistinctSessionsRunConcurrently(t *testing.T) {
	fc := &fakeChat{result: chat.Result{Status: chat.StatusSuccess}, delay: 100 * time.Millisecond}
	h := newTestServer(fc).Handler()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post(t, h, `{"message":"x","browser_id":"`+id+`"}`)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), fc.maxInFlight.Load())
}

func TestKeyedMutexDropsIdleKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	assert.Equal(t, 1, k.size())
	unlock()
	assert.Equal(t, 0, k.size())
}

func TestSessionsListAndDestroy(t *testing.T) {
	fc := &fakeChat{sessions: []session.Info{{ID: "spark-ai-chat", ThreadID: "abc", Headless: true}}}
	h := newTestServer(fc).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "abc", listed.Sessions[0].ThreadID)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/sessions/spark-ai-chat", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"spark-ai-chat"}, fc.destroyed)
}

func TestHistory(t *testing.T) {
	hist := &fakeHistory{records: []storage.ExchangeRecord{{ID: "01J", SessionID: "s", Status: storage.StatusSuccess}}}
	h := newTestServer(&fakeChat{}, WithHistory(hist)).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, hist.limit)
	assert.Contains(t, rr.Body.String(), `"id":"01J"`)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryWithoutLedger(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&fakeChat{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&fakeChat{}).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = httptest.NewRecorder()
	newTestServer(&fakeChat{}, WithHealthCheck(failingPinger{})).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	fc := &fakeChat{}
	h := New(fc, Config{RateLimit: 0.001, RateBurst: 2}).Handler()

	get := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1000"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1003"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-7")
	rr := httptest.NewRecorder()
	newTestServer(&fakeChat{}).Handler().ServeHTTP(rr, req)
	assert.Equal(t, "req-7", rr.Header().Get(requestIDHeader))
}

func TestMetricsObserveEvents(t *testing.T) {
	m := NewMetrics(func() int { return 3 })

	m.Observe(telemetry.Event{Type: telemetry.EventSessionRecovered})
	m.Observe(telemetry.Event{Type: telemetry.EventAuthTransition, Data: map[string]any{"from": "unknown", "to": "authenticated"}})
	m.Observe(telemetry.Event{Type: telemetry.EventCompletionSignal, Data: map[string]any{"signal": "copy_button"}})
	m.Observe(telemetry.Event{Type: telemetry.EventExchangeCompleted, Data: map[string]any{"method": "clipboard", "duration_ms": int64(4200)}})
	m.Observe(telemetry.Event{Type: telemetry.EventExchangeFailed, Data: map[string]any{"stage": "completion"}})
	m.Observe(telemetry.Event{Type: telemetry.EventExchangeFailed, Data: map[string]any{"error_code": "TIMEOUT"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authTransitions.WithLabelValues("authenticated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completionSignal.WithLabelValues("copy_button")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.extractionMethod.WithLabelValues("clipboard")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.exchangeDuration))
}

func TestMetricsEndpoint(t *testing.T) {
	fc := &fakeChat{sessions: []session.Info{{ID: "a"}, {ID: "b"}}}
	srv := newTestServer(fc)
	srv.Metrics().Observe(telemetry.Event{Type: telemetry.EventSessionRecovered})

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "sparkbridge_sessions_active 2")
	assert.Contains(t, body, "sparkbridge_session_recoveries_total 1")
}

func TestMetricsConsumeHub(t *testing.T) {
	hub := telemetry.NewHub()
	m := NewMetrics(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Consume(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool {
		hub.Emit(telemetry.EventSessionRecovered, "s", nil)
		return testutil.ToFloat64(m.recoveries) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newTestServer(&fakeChat{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestPortAvailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	assert.False(t, PortAvailable(addr))
	require.NoError(t, ln.Close())
	assert.True(t, PortAvailable(addr))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, WaitForPort(ctx, addr, 10*time.Millisecond))
}
