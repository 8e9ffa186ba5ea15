package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertSessionKeepsCreatedAtAndThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertSession(ctx, SessionRecord{
		ID:        "spark-ai-chat",
		ThreadID:  "abc",
		CreatedAt: created,
	}))
	require.NoError(t, store.UpsertSession(ctx, SessionRecord{
		ID:           "spark-ai-chat",
		Headless:     true,
		CreatedAt:    created.Add(time.Hour),
		LastActiveAt: created.Add(time.Hour),
	}))

	rec, err := store.GetSession(ctx, "spark-ai-chat")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), rec.LastActiveAt)
	assert.Equal(t, "abc", rec.ThreadID)
	assert.True(t, rec.Headless)

	thread, err := store.SessionThread(ctx, "spark-ai-chat")
	require.NoError(t, err)
	assert.Equal(t, "abc", thread)

	thread, err = store.SessionThread(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestUpsertSessionRequiresID(t *testing.T) {
	store := newTestStore(t)
	err := store.UpsertSession(context.Background(), SessionRecord{})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestRecordExchangeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertSession(ctx, SessionRecord{ID: "s1", CreatedAt: start}))

	firstID, err := store.RecordExchange(ctx, ExchangeRecord{
		SessionID:     "s1",
		ThreadID:      "t-1",
		StartedAt:     start,
		Duration:      1500 * time.Millisecond,
		Signal:        "new_marker",
		Method:        "clipboard",
		MessageChars:  11,
		ResponseChars: 42,
	})
	require.NoError(t, err)
	assert.Len(t, firstID, 26)

	_, err = store.RecordExchange(ctx, ExchangeRecord{
		SessionID: "s1",
		StartedAt: start.Add(time.Minute),
		Duration:  time.Second,
		Status:    StatusError,
		ErrorCode: "TIMEOUT",
	})
	require.NoError(t, err)

	list, err := store.RecentExchanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, StatusError, list[0].Status)
	assert.Equal(t, "TIMEOUT", list[0].ErrorCode)

	first := list[1]
	assert.Equal(t, firstID, first.ID)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, "t-1", first.ThreadID)
	assert.Equal(t, start, first.StartedAt)
	assert.Equal(t, 1500*time.Millisecond, first.Duration)
	assert.Equal(t, "clipboard", first.Method)
	assert.Equal(t, 42, first.ResponseChars)

	// The error exchange has no thread, so the session keeps t-1.
	rec, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", rec.ThreadID)
	assert.Equal(t, start.Add(time.Minute+time.Second), rec.LastActiveAt)

	limited, err := store.RecentExchanges(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertSession(ctx, SessionRecord{ID: "old", CreatedAt: base}))
	require.NoError(t, store.UpsertSession(ctx, SessionRecord{ID: "new", CreatedAt: base.Add(time.Hour)}))

	list, err := store.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}
