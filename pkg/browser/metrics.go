package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// Metrics tracks browser handle performance counters.
type Metrics struct {
	// Handle counts
	HandlesOpened atomic.Int64
	HandlesClosed atomic.Int64
	ActiveHandles atomic.Int64

	// Operation counts
	NavigateCount atomic.Int64
	FindCount     atomic.Int64
	ActionCount   atomic.Int64

	// Action outcomes
	ActionSuccessCount atomic.Int64
	ActionFailureCount atomic.Int64

	ActionLatencySum   atomic.Int64 // nanoseconds
	ActionLatencyCount atomic.Int64

	mu  sync.RWMutex
	hub *telemetry.Hub
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the metrics collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.mu.Unlock()
}

// RecordHandleOpened increments the open counter.
func (m *Metrics) RecordHandleOpened() {
	if m == nil {
		return
	}
	m.HandlesOpened.Add(1)
	m.ActiveHandles.Add(1)
}

// RecordHandleClosed increments the close counter.
func (m *Metrics) RecordHandleClosed() {
	if m == nil {
		return
	}
	m.HandlesClosed.Add(1)
	m.ActiveHandles.Add(-1)
}

// RecordAction counts an operation and publishes its outcome. Finds are counted
// but not published; they run many times per second while polling.
func (m *Metrics) RecordAction(sessionID string, action ActionType, err error, latency time.Duration) {
	if m == nil {
		return
	}
	switch action {
	case ActionFind:
		m.FindCount.Add(1)
		return
	case ActionNavigate:
		m.NavigateCount.Add(1)
	}
	m.ActionCount.Add(1)
	m.ActionLatencySum.Add(latency.Nanoseconds())
	m.ActionLatencyCount.Add(1)

	data := map[string]any{
		"action":     string(action),
		"success":    err == nil,
		"latency_ms": latency.Milliseconds(),
	}
	if err == nil {
		m.ActionSuccessCount.Add(1)
		m.publishEvent(telemetry.EventHandleAction, sessionID, data)
		return
	}
	m.ActionFailureCount.Add(1)
	data["error"] = err.Error()
	m.publishEvent(telemetry.EventHandleActionFailed, sessionID, data)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	avg := time.Duration(0)
	if count := m.ActionLatencyCount.Load(); count > 0 {
		avg = time.Duration(m.ActionLatencySum.Load() / count)
	}
	successCount := m.ActionSuccessCount.Load()
	failCount := m.ActionFailureCount.Load()
	total := successCount + failCount
	successRate := float64(1.0)
	if total > 0 {
		successRate = float64(successCount) / float64(total)
	}
	return MetricsSnapshot{
		HandlesOpened:        m.HandlesOpened.Load(),
		HandlesClosed:        m.HandlesClosed.Load(),
		ActiveHandles:        m.ActiveHandles.Load(),
		NavigateCount:        m.NavigateCount.Load(),
		FindCount:            m.FindCount.Load(),
		ActionCount:          m.ActionCount.Load(),
		ActionSuccessCount:   successCount,
		ActionFailureCount:   failCount,
		ActionSuccessRate:    successRate,
		AverageActionLatency: avg,
	}
}

func (m *Metrics) publishEvent(eventType telemetry.EventType, sessionID string, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of browser metrics.
type MetricsSnapshot struct {
	HandlesOpened        int64
	HandlesClosed        int64
	ActiveHandles        int64
	NavigateCount        int64
	FindCount            int64
	ActionCount          int64
	ActionSuccessCount   int64
	ActionFailureCount   int64
	ActionSuccessRate    float64
	AverageActionLatency time.Duration
}
