package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/gridrunner/pkg/telemetry"
)

// Metrics tracks session lifecycle counters.
type Metrics struct {
	SessionsCreated atomic.Int64
	SessionsClosed  atomic.Int64
	ActiveSessions  atomic.Int64
	LaunchFailures  atomic.Int64

	LaunchLatencySum   atomic.Int64 // nanoseconds sum for averaging
	LaunchLatencyCount atomic.Int64

	mu    sync.RWMutex
	hub   *telemetry.Hub
	runID string
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the metrics collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub, runID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.runID = runID
	m.mu.Unlock()
}

// RecordSessionCreated counts a launched session.
func (m *Metrics) RecordSessionCreated(browserID, sessionID string, latency time.Duration) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(1)
	m.ActiveSessions.Add(1)
	m.LaunchLatencySum.Add(latency.Nanoseconds())
	m.LaunchLatencyCount.Add(1)
	telemetry.RecordSessionLaunched(browserID, latency)
}

// RecordSessionClosed counts a quit session.
func (m *Metrics) RecordSessionClosed(browserID, sessionID string) {
	if m == nil {
		return
	}
	m.SessionsClosed.Add(1)
	m.ActiveSessions.Add(-1)
	telemetry.RecordSessionQuit(browserID)
}

// RecordLaunchFailed counts a launch that never produced a session.
func (m *Metrics) RecordLaunchFailed(browserID string, err error) {
	if m == nil {
		return
	}
	m.LaunchFailures.Add(1)
	telemetry.RecordSessionLaunchFailed(browserID)
	var data map[string]any
	if err != nil {
		data = map[string]any{"error": err.Error()}
	}
	m.publishEvent(telemetry.EventSessionLaunchFailed, browserID, data)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	avg := time.Duration(0)
	if count := m.LaunchLatencyCount.Load(); count > 0 {
		avg = time.Duration(m.LaunchLatencySum.Load() / count)
	}
	return MetricsSnapshot{
		SessionsCreated:      m.SessionsCreated.Load(),
		SessionsClosed:       m.SessionsClosed.Load(),
		ActiveSessions:       m.ActiveSessions.Load(),
		LaunchFailures:       m.LaunchFailures.Load(),
		AverageLaunchLatency: avg,
	}
}

func (m *Metrics) publishEvent(eventType telemetry.EventType, browserID string, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	runID := m.runID
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		BrowserID: browserID,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of session metrics.
type MetricsSnapshot struct {
	SessionsCreated      int64
	SessionsClosed       int64
	ActiveSessions       int64
	LaunchFailures       int64
	AverageLaunchLatency time.Duration
}
