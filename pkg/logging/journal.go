package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents journal event severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the event
type Category string

const (
	CategorySession  Category = "session"
	CategoryAuth     Category = "auth"
	CategoryExchange Category = "exchange"
	CategoryCookies  Category = "cookies"
	CategoryService  Category = "service"
)

// Event is one journal line. Details must never carry credentials or
// message text; callers record lengths instead.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Journal appends events to <dir>/sessions/<id>.jsonl and mirrors errors to
// <dir>/errors.jsonl.
type Journal struct {
	baseDir     string
	sessionsDir string
	files       map[string]*os.File
	errorFile   *os.File
	mu          sync.Mutex
	minLevel    Level
	now         func() time.Time
}

// NewJournal creates the journal directories and opens the error log.
func NewJournal(baseDir string) (*Journal, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Journal{
		baseDir:     baseDir,
		sessionsDir: sessionsDir,
		files:       make(map[string]*os.File),
		errorFile:   errorFile,
		minLevel:    LevelInfo,
		now:         time.Now,
	}, nil
}

// SetMinLevel sets the minimum level written.
func (j *Journal) SetMinLevel(level Level) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.minLevel = level
}

// SessionLogPath returns the journal file for a session id.
func (j *Journal) SessionLogPath(sessionID string) string {
	return filepath.Join(j.sessionsDir, fileSafe(sessionID)+".jsonl")
}

// Log writes an event. A nil journal drops it.
func (j *Journal) Log(event Event) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = j.now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if !shouldLog(event.Level, j.minLevel) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if event.SessionID != "" {
		f, err := j.sessionFile(event.SessionID)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("failed to write to session log: %w", err)
		}
	}

	if event.Level == LevelError && j.errorFile != nil {
		if _, err := j.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}
	return nil
}

func (j *Journal) sessionFile(sessionID string) (*os.File, error) {
	if f, ok := j.files[sessionID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(j.SessionLogPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	j.files[sessionID] = f
	return f, nil
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func shouldLog(level, min Level) bool {
	return levelRank[level] >= levelRank[min]
}

// Info logs an info event for a session.
func (j *Journal) Info(sessionID string, category Category, eventType, message string, details map[string]any) error {
	return j.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, SessionID: sessionID, Message: message, Details: details})
}

// Warn logs a warning event for a session.
func (j *Journal) Warn(sessionID string, category Category, eventType, message string, details map[string]any) error {
	return j.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, SessionID: sessionID, Message: message, Details: details})
}

// Error logs an error event for a session.
func (j *Journal) Error(sessionID string, category Category, eventType, message string, details map[string]any) error {
	return j.Log(Event{Level: LevelError, Category: category, EventType: eventType, SessionID: sessionID, Message: message, Details: details})
}

// Close closes all open journal files.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []error
	for id, f := range j.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(j.files, id)
	}
	if j.errorFile != nil {
		if err := j.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
		j.errorFile = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing journal files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last count events from a journal file.
// Reading stops at the first malformed line.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	if count <= 0 {
		return []Event{}, nil
	}

	ring := make([]Event, 0, count)
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		if len(ring) == count {
			copy(ring, ring[1:])
			ring = ring[:count-1]
		}
		ring = append(ring, event)
	}
	return ring, nil
}

func fileSafe(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
