package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

// SessionRecord is the persisted view of a browser session.
type SessionRecord struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Headless     bool      `json:"headless"`
	Attached     bool      `json:"attached"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// UpsertSession inserts rec or refreshes an existing row. CreatedAt is kept
// from the first insert, and an empty ThreadID never clears a known thread.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec.ID == "" {
		return apperrors.InvalidInput("session id is required")
	}
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = rec.CreatedAt
	}
	err := withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, thread_id, headless, attached, created_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				thread_id = CASE WHEN excluded.thread_id != '' THEN excluded.thread_id ELSE sessions.thread_id END,
				headless = excluded.headless,
				attached = excluded.attached,
				last_active_at = excluded.last_active_at
		`, rec.ID, rec.ThreadID, rec.Headless, rec.Attached, toMillis(rec.CreatedAt), toMillis(rec.LastActiveAt))
		return err
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "upsert session").WithContext("session", rec.ID)
	}
	return nil
}

// GetSession returns the row for id, or nil when unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var (
		rec             SessionRecord
		created, active int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, headless, attached, created_at, last_active_at
		FROM sessions WHERE id = ?
	`, id).Scan(&rec.ID, &rec.ThreadID, &rec.Headless, &rec.Attached, &created, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "get session").WithContext("session", id)
	}
	rec.CreatedAt = fromMillis(created)
	rec.LastActiveAt = fromMillis(active)
	return &rec, nil
}

// SessionThread returns the last thread seen for a browser id, or "" when
// none is recorded.
func (s *Store) SessionThread(ctx context.Context, id string) (string, error) {
	rec, err := s.GetSession(ctx, id)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.ThreadID, nil
}

// ListSessions returns recorded sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, headless, attached, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list sessions")
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec             SessionRecord
			created, active int64
		)
		if err := rows.Scan(&rec.ID, &rec.ThreadID, &rec.Headless, &rec.Attached, &created, &active); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan session")
		}
		rec.CreatedAt = fromMillis(created)
		rec.LastActiveAt = fromMillis(active)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list sessions")
	}
	return out, nil
}
