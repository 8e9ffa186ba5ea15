package storage

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
)

// Exchange statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExchangeRecord describes one send-and-receive call. Only sizes of the
// message and response are kept.
type ExchangeRecord struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	ThreadID      string        `json:"thread_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Status        string        `json:"status"`
	Signal        string        `json:"signal,omitempty"`
	Method        string        `json:"method,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	MessageChars  int           `json:"message_chars"`
	ResponseChars int           `json:"response_chars"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newExchangeID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// RecordExchange stores rec, assigning an id when empty, and advances the
// owning session's thread and activity time in the same transaction. It
// returns the stored id.
func (s *Store) RecordExchange(ctx context.Context, rec ExchangeRecord) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return "", apperrors.InvalidInput("exchange session id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.ID == "" {
		rec.ID = newExchangeID(rec.StartedAt)
	}
	if rec.Status == "" {
		rec.Status = StatusSuccess
	}
	finished := rec.StartedAt.Add(rec.Duration)

	err := withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exchanges (id, session_id, thread_id, started_at, duration_ms, status,
				signal, method, error_code, message_chars, response_chars)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.SessionID, rec.ThreadID, toMillis(rec.StartedAt), rec.Duration.Milliseconds(),
			rec.Status, rec.Signal, rec.Method, rec.ErrorCode, rec.MessageChars, rec.ResponseChars); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				thread_id = CASE WHEN ? != '' THEN ? ELSE thread_id END,
				last_active_at = MAX(last_active_at, ?)
			WHERE id = ?
		`, rec.ThreadID, rec.ThreadID, toMillis(finished), rec.SessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "record exchange").
			WithContext("session", rec.SessionID)
	}
	return rec.ID, nil
}

// RecentExchanges returns up to limit exchanges, newest first.
func (s *Store) RecentExchanges(ctx context.Context, limit int) ([]ExchangeRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, thread_id, started_at, duration_ms, status,
			signal, method, error_code, message_chars, response_chars
		FROM exchanges ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list exchanges")
	}
	defer rows.Close()

	var out []ExchangeRecord
	for rows.Next() {
		var (
			rec        ExchangeRecord
			started    int64
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ThreadID, &started, &durationMS, &rec.Status,
			&rec.Signal, &rec.Method, &rec.ErrorCode, &rec.MessageChars, &rec.ResponseChars); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan exchange")
		}
		rec.StartedAt = fromMillis(started)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list exchanges")
	}
	return out, nil
}
