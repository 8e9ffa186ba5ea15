// Package session owns long-lived browser sessions: it creates them, hands
// them out for reuse, and replaces any whose browser stopped responding.
package session

import (
	"sync"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Session is one browser handle plus the chat state attached to it. The Pool
// owns it; callers borrow it between Acquire and Release.
type Session struct {
	ID        string
	Handle    browser.Handle
	CreatedAt time.Time
	Headless  bool
	Attached  bool

	mu            sync.Mutex
	lastActive    time.Time
	authenticated bool
	threadID      string
	inUse         bool
	lost          bool
}

// Info is a point-in-time view of a Session.
type Info struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Headless      bool      `json:"headless"`
	Attached      bool      `json:"attached"`
	Authenticated bool      `json:"authenticated"`
	InUse         bool      `json:"in_use"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) SetAuthenticated(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = ok
}

// ThreadID is the chat thread the page last showed; empty means none.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) SetThreadID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadID = id
}

func (s *Session) InUse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.ID,
		ThreadID:      s.threadID,
		Headless:      s.Headless,
		Attached:      s.Attached,
		Authenticated: s.authenticated,
		InUse:         s.inUse,
		CreatedAt:     s.CreatedAt,
		LastActiveAt:  s.lastActive,
	}
}

func (s *Session) touch(now time.Time, inUse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
	s.inUse = inUse
}

func (s *Session) markLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *Session) isLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}
