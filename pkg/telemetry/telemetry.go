package telemetry

import (
	"sync"
	"time"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventSessionCreated   EventType = "session.created"
	EventSessionReused    EventType = "session.reused"
	EventSessionRecovered EventType = "session.recovered"
	EventSessionReleased  EventType = "session.released"
	EventSessionDestroyed EventType = "session.destroyed"
	EventSessionRetry     EventType = "session.retry"

	EventHandleAction       EventType = "handle.action"
	EventHandleActionFailed EventType = "handle.action_failed"

	EventAuthTransition EventType = "auth.transition"
	EventAuthManualWait EventType = "auth.manual_wait"

	EventExchangeStarted    EventType = "exchange.started"
	EventExchangeCompleted  EventType = "exchange.completed"
	EventExchangeFailed     EventType = "exchange.failed"
	EventCompletionSignal   EventType = "exchange.signal"
	EventExtractionAttempt  EventType = "exchange.extraction_attempt"
	EventExchangeReauthNeed EventType = "exchange.reauth"

	EventCookiesLoaded  EventType = "cookies.loaded"
	EventCookiesSaved   EventType = "cookies.saved"
	EventCookiesChanged EventType = "cookies.changed"
)

// Event describes runtime telemetry that log sinks and metric collectors consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	buffer      int
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return NewHubWithBuffer(64)
}

// NewHubWithBuffer constructs a hub whose subscriber channels hold size events.
func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = 64
	}
	return &Hub{subscribers: make(map[chan Event]struct{}), buffer: size}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
// A nil hub is a no-op so callers can leave telemetry unwired.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers lose events; publishers never block.
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (h *Hub) Emit(eventType EventType, sessionID string, data map[string]any) {
	h.Publish(Event{Type: eventType, SessionID: sessionID, Data: data})
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}
	ch := make(chan Event, h.buffer)
	h.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
