package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/gridrunner/pkg/bus"
	"github.com/odvcencio/gridrunner/pkg/events"
	"github.com/odvcencio/gridrunner/pkg/runner"
)

type mockAdapter struct {
	name   string
	mu     sync.Mutex
	events []*Event
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Send(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAdapter) Close() error { return nil }

func (m *mockAdapter) received() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

type failingAdapter struct {
	name string
}

func (f *failingAdapter) Name() string { return f.name }
func (f *failingAdapter) Send(ctx context.Context, event *Event) error {
	return fmt.Errorf("send failed")
}
func (f *failingAdapter) Close() error { return fmt.Errorf("close failed") }

func TestEventJSON(t *testing.T) {
	event := RunEvent("run-1", runner.Result{
		Stats:    runner.Stats{Counts: runner.Counts{Total: 2, Passed: 1, Failed: 1}},
		Duration: 1500 * time.Millisecond,
	})

	parsed, err := ParseEvent(event.JSON())
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if parsed.ID != event.ID {
		t.Errorf("ID = %q, want %q", parsed.ID, event.ID)
	}
	if parsed.Type != EventRunFailed {
		t.Errorf("Type = %q, want %q", parsed.Type, EventRunFailed)
	}
	if parsed.Stats.Failed != 1 {
		t.Errorf("Stats.Failed = %d, want 1", parsed.Stats.Failed)
	}
}

func TestParseEventInvalid(t *testing.T) {
	if _, err := ParseEvent([]byte("invalid json")); err == nil {
		t.Error("ParseEvent should fail on invalid JSON")
	}
}

func TestRunEvent(t *testing.T) {
	tests := []struct {
		name      string
		res       runner.Result
		wantType  EventType
		wantTitle string
	}{
		{
			name:      "passed",
			res:       runner.Result{Stats: runner.Stats{Counts: runner.Counts{Total: 3, Passed: 3}}},
			wantType:  EventRunPassed,
			wantTitle: "All tests passed",
		},
		{
			name:      "failed",
			res:       runner.Result{Stats: runner.Stats{Counts: runner.Counts{Total: 3, Passed: 1, Failed: 2}}},
			wantType:  EventRunFailed,
			wantTitle: "2 of 3 tests failed",
		},
		{
			name:      "cancelled wins over failures",
			res:       runner.Result{Cancelled: true, Stats: runner.Stats{Counts: runner.Counts{Total: 1, Failed: 1}}},
			wantType:  EventRunCancelled,
			wantTitle: "Run cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := RunEvent("run-1", tt.res)
			if event.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", event.Type, tt.wantType)
			}
			if event.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", event.Title, tt.wantTitle)
			}
			if event.RunID != "run-1" || event.ID == "" {
				t.Errorf("event ids not set: %+v", event)
			}
		})
	}
}

func TestManagerNoAdapters(t *testing.T) {
	mgr := NewManager(nil)
	if err := mgr.Notify(context.Background(), &Event{Type: EventRunFailed}); err != nil {
		t.Errorf("Notify with no adapters should not error: %v", err)
	}
}

func TestManagerMultipleAdapters(t *testing.T) {
	adapter1 := &mockAdapter{name: "mock1"}
	adapter2 := &mockAdapter{name: "mock2"}
	mgr := NewManager([]Adapter{adapter1, adapter2})

	if err := mgr.Notify(context.Background(), &Event{Type: EventRunPassed}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(adapter1.received()) != 1 {
		t.Errorf("adapter1 got %d events, want 1", len(adapter1.received()))
	}
	if len(adapter2.received()) != 1 {
		t.Errorf("adapter2 got %d events, want 1", len(adapter2.received()))
	}
}

func TestManagerAdapterError(t *testing.T) {
	failing := &failingAdapter{name: "failing"}
	working := &mockAdapter{name: "working"}
	mgr := NewManager([]Adapter{failing, working})

	err := mgr.Notify(context.Background(), &Event{Type: EventRunFailed})
	if err == nil || !strings.Contains(err.Error(), "failing: send failed") {
		t.Errorf("expected adapter error, got %v", err)
	}
	if len(working.received()) != 1 {
		t.Errorf("working adapter got %d events, want 1", len(working.received()))
	}
	if err := mgr.Close(); err == nil {
		t.Error("expected close error")
	}
}

func TestManagerOnlyFailures(t *testing.T) {
	adapter := &mockAdapter{name: "mock"}
	mgr := NewManager([]Adapter{adapter}, OnlyFailures(true))
	ctx := context.Background()

	_ = mgr.Notify(ctx, &Event{Type: EventRunPassed})
	_ = mgr.Notify(ctx, &Event{Type: EventRunFailed})
	_ = mgr.Notify(ctx, &Event{Type: EventRunCancelled})

	got := adapter.received()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventRunFailed || got[1].Type != EventRunCancelled {
		t.Errorf("unexpected events: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestManagerAttach(t *testing.T) {
	adapter := &mockAdapter{name: "mock"}
	mgr := NewManager([]Adapter{adapter})
	em := events.NewEmitter()
	detach := mgr.Attach(em, "run-7")

	ctx := context.Background()
	res := runner.Result{Stats: runner.Stats{Counts: runner.Counts{Total: 1, Passed: 1}}}
	if err := em.EmitAndWait(ctx, events.RunnerEnd, res); err != nil {
		t.Fatalf("EmitAndWait: %v", err)
	}
	detach()
	if err := em.EmitAndWait(ctx, events.RunnerEnd, res); err != nil {
		t.Fatalf("EmitAndWait: %v", err)
	}

	got := adapter.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].RunID != "run-7" || got[0].Type != EventRunPassed {
		t.Errorf("unexpected event: %+v", got[0])
	}
}

func TestBusAdapter(t *testing.T) {
	if _, err := NewBusAdapter(nil, ""); err == nil {
		t.Error("expected error for nil bus")
	}

	b := bus.NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	received := make(chan *bus.Message, 1)
	sub, err := b.Subscribe(ctx, DefaultSubject+".>", func(msg *bus.Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	adapter, err := NewBusAdapter(b, "")
	if err != nil {
		t.Fatalf("NewBusAdapter: %v", err)
	}
	if adapter.Name() != "bus" {
		t.Errorf("Name() = %q, want 'bus'", adapter.Name())
	}
	if err := adapter.Send(ctx, &Event{ID: "evt-1", Type: EventRunFailed, RunID: "run-1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Subject != "gridrunner.notify.run.failed" {
			t.Errorf("Subject = %q", msg.Subject)
		}
		event, err := ParseEvent(msg.Data)
		if err != nil {
			t.Fatalf("ParseEvent: %v", err)
		}
		if event.RunID != "run-1" {
			t.Errorf("RunID = %q, want 'run-1'", event.RunID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus notification")
	}
}
