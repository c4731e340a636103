package ipc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type fakeConn struct {
	writeCount *atomic.Int32
	closeCount *atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{writeCount: &atomic.Int32{}, closeCount: &atomic.Int32{}}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	f.writeCount.Add(1)
	return ctx.Err()
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return websocket.MessageText, nil, ctx.Err()
}

func TestHubBroadcastFiltersAndDropsSlowClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := newFakeConn()
	c1 := hub.register(fast, nil)

	filtered := newFakeConn()
	c2 := hub.register(filtered, streamFilter{browserID: "chrome"}.match)

	// A client with a one slot buffer and no writer overflows.
	slow := &client{conn: newFakeConn(), send: make(chan Event, 1)}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	go func() { _ = c1.writeLoop(ctx) }()
	go func() { _ = c2.writeLoop(ctx) }()

	hub.Broadcast(Event{Type: "test.begin", BrowserID: "chrome"})
	hub.Broadcast(Event{Type: "test.begin", BrowserID: "firefox"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, slowPresent := hub.clients[slow]
		hub.mu.RUnlock()
		if fast.writeCount.Load() == 2 && filtered.writeCount.Load() == 1 && !slowPresent {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := fast.writeCount.Load(); got != 2 {
		t.Fatalf("fast client got %d events, want 2", got)
	}
	if got := filtered.writeCount.Load(); got != 1 {
		t.Fatalf("filtered client got %d events, want 1", got)
	}
	hub.mu.RLock()
	_, stillPresent := hub.clients[slow]
	hub.mu.RUnlock()
	if stillPresent {
		t.Fatalf("expected slow client to be removed")
	}
}

func TestHubRemovedClientIgnoresLateEvents(t *testing.T) {
	hub := NewHub()
	c := hub.register(newFakeConn(), nil)
	hub.removeClient(c)
	hub.removeClient(c)

	if !c.enqueue(Event{Type: "server.pong"}) {
		t.Fatalf("enqueue on a removed client must not report overflow")
	}
	if n := hub.ClientCount(); n != 0 {
		t.Fatalf("expected no clients, got %d", n)
	}
}

type recordingForwarder struct {
	events chan Event
}

func (f *recordingForwarder) BroadcastEvent(event Event) {
	f.events <- event
}

func TestHubForwardsToForwarders(t *testing.T) {
	hub := NewHub()
	fwd := &recordingForwarder{events: make(chan Event, 1)}
	hub.AddForwarder(fwd)

	hub.Broadcast(Event{Type: "run.started", RunID: "r1"})

	select {
	case ev := <-fwd.events:
		if ev.Type != "run.started" || ev.RunID != "r1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatalf("forwarder did not receive the event")
	}
}

func TestStreamFilterMatch(t *testing.T) {
	f := streamFilter{browserID: "chrome", runID: "r1", prefixes: []string{"test.", "session."}}
	cases := []struct {
		name  string
		event Event
		want  bool
	}{
		{"matching test event", Event{Type: "test.passed", BrowserID: "chrome", RunID: "r1"}, true},
		{"other browser", Event{Type: "test.passed", BrowserID: "firefox", RunID: "r1"}, false},
		{"other run", Event{Type: "test.passed", BrowserID: "chrome", RunID: "r2"}, false},
		{"type not selected", Event{Type: "suite.begin", BrowserID: "chrome"}, false},
		{"untagged session event", Event{Type: "session.freed", SessionID: "s1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.match(tc.event); got != tc.want {
				t.Fatalf("match(%+v) = %v, want %v", tc.event, got, tc.want)
			}
		})
	}
}
