package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/sparkbridge/pkg/browser"
	"github.com/odvcencio/sparkbridge/pkg/browser/browsertest"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

type recordingLedger struct {
	mu   sync.Mutex
	rows []storage.SessionRecord
	err  error
}

func (l *recordingLedger) UpsertSession(_ context.Context, rec storage.SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, rec)
	return l.err
}

func newTestPool(t *testing.T, opts ...Option) (*Pool, *browsertest.Launcher, *browsertest.Clock) {
	t.Helper()
	launcher := &browsertest.Launcher{}
	clock := browsertest.NewClock()
	opts = append([]Option{WithClock(clock)}, opts...)
	pool := NewPool(launcher, DefaultConfig(), opts...)
	t.Cleanup(func() { _ = pool.Close() })
	return pool, launcher, clock
}

func TestAcquireReusesLiveSession(t *testing.T) {
	pool, launcher, _ := newTestPool(t)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, DefaultID, Options{})
	require.NoError(t, err)
	assert.True(t, first.InUse())
	assert.True(t, pool.Release(DefaultID))
	assert.False(t, first.InUse())

	second, err := pool.Acquire(ctx, DefaultID, Options{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, launcher.Launches(), 1)
}

func TestAcquireReplacesUnresponsiveSession(t *testing.T) {
	hub := telemetry.NewHub()
	defer hub.Close()
	events, unsub := hub.Subscribe()
	defer unsub()

	pool, launcher, _ := newTestPool(t, WithTelemetry(hub))
	ctx := context.Background()

	first, err := pool.Acquire(ctx, DefaultID, Options{})
	require.NoError(t, err)
	launcher.Handles()[0].SetResponsive(false)

	second, err := pool.Acquire(ctx, DefaultID, Options{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, launcher.Handles()[0].CloseCount())
	assert.Len(t, launcher.Launches(), 2)

	var types []telemetry.EventType
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []telemetry.EventType{
		telemetry.EventSessionCreated,
		telemetry.EventSessionRecovered,
		telemetry.EventSessionCreated,
	}, types)
}

func TestAcquireInvalidatedSessionIsRebuilt(t *testing.T) {
	pool, launcher, _ := newTestPool(t)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "chat", Options{})
	require.NoError(t, err)
	pool.Invalidate("chat")

	second, err := pool.Acquire(ctx, "chat", Options{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, launcher.Launches(), 2)
}

func TestAcquireForceNew(t *testing.T) {
	pool, launcher, _ := newTestPool(t)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "chat", Options{})
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, "chat", Options{ForceNew: true})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 1, launcher.Handles()[0].CloseCount())
}

func TestAcquireFallsBackToHeadless(t *testing.T) {
	pool, launcher, clock := newTestPool(t)
	launcher.FailNext(browser.WrapError("launch", browser.ErrRendererConnection))

	s, err := pool.Acquire(context.Background(), "chat", Options{Headless: false})
	require.NoError(t, err)
	assert.True(t, s.Headless)

	launches := launcher.Launches()
	require.Len(t, launches, 2)
	assert.False(t, launches[0].Headless)
	assert.True(t, launches[1].Headless)
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.Sleeps())
}

func TestAcquireGivesUpAfterMaxAttempts(t *testing.T) {
	pool, launcher, clock := newTestPool(t)
	boom := errors.New("chrome exited")
	launcher.FailNext(boom, boom, boom)

	s, err := pool.Acquire(context.Background(), "chat", Options{Headless: true})
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeHandleInit))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, launcher.Launches(), 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Empty(t, pool.Active())
}

func TestAcquireAttachesToRemoteBrowser(t *testing.T) {
	pool, launcher, _ := newTestPool(t)

	s, err := pool.Acquire(context.Background(), "chat", Options{RemoteAttachAddress: "127.0.0.1:9222"})
	require.NoError(t, err)
	assert.True(t, s.Attached)
	assert.Equal(t, []string{"127.0.0.1:9222"}, launcher.Attaches())
	assert.Empty(t, launcher.Launches())
}

func TestAcquireGeneratesIDWhenBlank(t *testing.T) {
	pool, _, _ := newTestPool(t)

	s, err := pool.Acquire(context.Background(), "  ", Options{})
	require.NoError(t, err)
	assert.Regexp(t, `^spark-[0-9a-z]{26}$`, s.ID)
}

func TestAcquireRecordsLedgerRow(t *testing.T) {
	ledger := &recordingLedger{err: errors.New("disk full")}
	pool, _, clock := newTestPool(t, WithLedger(ledger))

	s, err := pool.Acquire(context.Background(), "Chat One", Options{Headless: true})
	require.NoError(t, err, "ledger failures must not fail acquisition")
	assert.Equal(t, "chat-one", s.ID)

	require.Len(t, ledger.rows, 1)
	assert.Equal(t, "chat-one", ledger.rows[0].ID)
	assert.True(t, ledger.rows[0].Headless)
	assert.Equal(t, clock.Now(), ledger.rows[0].CreatedAt)
}

func TestConcurrentAcquireBuildsOnce(t *testing.T) {
	pool, launcher, _ := newTestPool(t)

	const callers = 8
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.Acquire(context.Background(), DefaultID, Options{})
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, launcher.Launches(), 1)
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	pool, launcher, _ := newTestPool(t)

	_, err := pool.Acquire(context.Background(), "chat", Options{})
	require.NoError(t, err)

	require.NoError(t, pool.Destroy("chat"))
	require.NoError(t, pool.Destroy("chat"))
	assert.Equal(t, 1, launcher.Handles()[0].CloseCount())
	assert.False(t, pool.Release("chat"))
	_, ok := pool.Get("chat")
	assert.False(t, ok)
}

func TestActiveAndClose(t *testing.T) {
	pool, launcher, _ := newTestPool(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		_, err := pool.Acquire(ctx, id, Options{})
		require.NoError(t, err)
	}
	s, _ := pool.Get("b")
	s.SetThreadID("t-1")
	s.SetAuthenticated(true)

	active := pool.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
	assert.Equal(t, "t-1", active[1].ThreadID)
	assert.True(t, active[1].Authenticated)

	require.NoError(t, pool.Close())
	assert.Empty(t, pool.Active())
	for _, h := range launcher.Handles() {
		assert.Equal(t, 1, h.CloseCount())
	}
}
