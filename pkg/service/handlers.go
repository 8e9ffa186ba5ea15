package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/sparkbridge/pkg/chat"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/session"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id,omitempty"`
	KeepOpen  bool   `json:"keep_open,omitempty"`
	NewThread bool   `json:"new_thread,omitempty"`
	BrowserID string `json:"browser_id,omitempty"`
	// Both spellings of the headful switch are accepted.
	NoHeadless     bool `json:"no_headless,omitempty"`
	NoHeadlessDash bool `json:"no-headless,omitempty"`
}

// QueryResponse mirrors chat.Result for HTTP callers.
type QueryResponse struct {
	Response string `json:"response"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if status, err := decodeJSONBody(w, r, &req, s.cfg.MaxBodyBytes); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "No message provided"})
		return
	}

	sessionID := s.cfg.SessionID
	if strings.TrimSpace(req.BrowserID) != "" {
		sessionID = req.BrowserID
	}
	sessionID = session.NormalizeID(sessionID)

	opts := s.cfg.Defaults
	opts.Headless = !(req.NoHeadless || req.NoHeadlessDash)
	opts.KeepOpen = req.KeepOpen || opts.KeepOpen
	opts.NewThread = req.NewThread
	opts.ThreadID = threadParam(req.ThreadID)
	if opts.ThreadID != "" {
		opts.NewThread = false
	}

	// A dropped client must not abandon a half-sent message.
	ctx := context.WithoutCancel(r.Context())
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	unlock := s.locks.Lock(sessionID)
	res, err := s.chat.SendAndReceive(ctx, sessionID, req.Message, opts)
	unlock()

	resp := QueryResponse{
		Response: res.Response,
		Status:   res.Status,
		Error:    res.Error,
		ThreadID: res.ThreadID,
	}
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrCodeTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timeout := apperrors.Timeout("the response", s.cfg.RequestTimeout)
			timeout.Underlying = err
			err = timeout
			resp.Error = ""
		}
		resp.Status = chat.StatusError
		resp.Code = string(apperrors.GetCode(err))
		if resp.Error == "" {
			resp.Error = apperrors.UserMessage(err)
		}
		s.logger.Warn("query failed", "session_id", sessionID, "code", resp.Code, "request_id", RequestID(r.Context()))
		respondJSON(w, statusForError(err), resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// threadParam treats the placeholder spellings callers send for "no thread"
// as unset.
func threadParam(raw string) string {
	id := strings.TrimSpace(raw)
	switch strings.ToLower(id) {
	case "", "none", "null", "nil":
		return ""
	}
	return id
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.chat.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := session.NormalizeID(chi.URLParam(r, "sessionID"))
	unlock := s.locks.Lock(id)
	err := s.chat.Destroy(id)
	unlock()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, errors.New("history is not recorded"))
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, apperrors.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.history.RecentExchanges(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exchanges": records})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.chat.Sessions()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
