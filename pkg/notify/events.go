// Package notify sends run-end notifications. When a run finishes, the
// outcome goes out over the message bus and any configured chat channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/runner"
)

// EventType defines the type of notification event.
type EventType string

const (
	// EventRunPassed is sent when every test of a run passed
	EventRunPassed EventType = "run.passed"

	// EventRunFailed is sent when at least one test failed
	EventRunFailed EventType = "run.failed"

	// EventRunCancelled is sent when a run was cancelled
	EventRunCancelled EventType = "run.cancelled"
)

// Event is a notification event.
type Event struct {
	// ID is the unique event identifier
	ID string `json:"id"`

	// Type is the event type
	Type EventType `json:"type"`

	// RunID is the run this event relates to
	RunID string `json:"run_id"`

	// Title is a short summary
	Title string `json:"title"`

	// Message is the detailed message
	Message string `json:"message"`

	// Stats are the outcome counts of the run
	Stats runner.Stats `json:"stats"`

	// Duration is how long the run took
	Duration time.Duration `json:"duration"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// Adapter sends notifications to a specific channel.
type Adapter interface {
	// Name returns the adapter name
	Name() string

	// Send sends a notification
	Send(ctx context.Context, event *Event) error

	// Close closes the adapter
	Close() error
}

// Manager fans notifications out to adapters.
type Manager struct {
	adapters     []Adapter
	onlyFailures bool
}

// Option configures a Manager.
type Option func(*Manager)

// OnlyFailures suppresses notifications of passed runs.
func OnlyFailures(only bool) Option {
	return func(m *Manager) { m.onlyFailures = only }
}

// NewManager creates a notification manager.
func NewManager(adapters []Adapter, opts ...Option) *Manager {
	m := &Manager{adapters: adapters}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notify sends a notification via all configured adapters. Every adapter
// is tried; the last error is returned.
func (m *Manager) Notify(ctx context.Context, event *Event) error {
	if m == nil {
		return nil
	}
	if m.onlyFailures && event.Type == EventRunPassed {
		return nil
	}

	var lastErr error
	for _, adapter := range m.adapters {
		if err := adapter.Send(ctx, event); err != nil {
			lastErr = fmt.Errorf("%s: %w", adapter.Name(), err)
		}
	}
	return lastErr
}

// Attach notifies once em's run ends. The returned func detaches it.
func (m *Manager) Attach(em *events.Emitter, runID string) func() {
	return em.On(events.RunnerEnd, func(ctx context.Context, data any) error {
		res, ok := data.(runner.Result)
		if !ok {
			return nil
		}
		return m.Notify(ctx, RunEvent(runID, res))
	})
}

// Close closes all adapters.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var lastErr error
	for _, adapter := range m.adapters {
		if err := adapter.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// RunEvent builds the notification for a finished run.
func RunEvent(runID string, res runner.Result) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Stats:     res.Stats,
		Duration:  res.Duration,
		Timestamp: time.Now(),
	}
	switch {
	case res.Cancelled:
		event.Type = EventRunCancelled
		event.Title = "Run cancelled"
	case res.Stats.Failed > 0:
		event.Type = EventRunFailed
		event.Title = fmt.Sprintf("%d of %d tests failed", res.Stats.Failed, res.Stats.Total)
	default:
		event.Type = EventRunPassed
		event.Title = "All tests passed"
	}
	event.Message = fmt.Sprintf("%d passed, %d failed, %d skipped, %d retried in %s",
		res.Stats.Passed, res.Stats.Failed, res.Stats.Skipped, res.Stats.Retries, res.Duration.Round(time.Millisecond))
	return event
}

// JSON encodes the event.
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
