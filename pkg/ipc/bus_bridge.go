package ipc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/odvcencio/gridrunner/pkg/browser"
	"github.com/odvcencio/gridrunner/pkg/bus"
)

const (
	// freeBrowserPattern matches every worker free signal.
	freeBrowserPattern = "gridrunner.worker.*.freeBrowser"
	// EventsSubject carries hub events for observers on other processes.
	EventsSubject = "gridrunner.ipc.events"
)

// BusBridge relays worker traffic from the message bus to the hub so
// stream clients see sessions being freed as they happen.
type BusBridge struct {
	bus  bus.MessageBus
	hub  *Hub
	subs []bus.Subscription
	mu   sync.Mutex
}

// NewBusBridge creates a bridge between the message bus and the hub.
func NewBusBridge(b bus.MessageBus, h *Hub) *BusBridge {
	return &BusBridge{bus: b, hub: h}
}

// Start subscribes to the worker subjects.
func (br *BusBridge) Start(ctx context.Context) error {
	sub, err := br.bus.Subscribe(ctx, freeBrowserPattern, br.onFreeBrowser)
	if err != nil {
		return err
	}
	br.mu.Lock()
	br.subs = append(br.subs, sub)
	br.mu.Unlock()
	return nil
}

// Stop unsubscribes from all subjects.
func (br *BusBridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	for _, sub := range br.subs {
		_ = sub.Unsubscribe()
	}
	br.subs = nil
}

func (br *BusBridge) onFreeBrowser(msg *bus.Message) []byte {
	var state browser.State
	_ = json.Unmarshal(msg.Data, &state)
	br.hub.Broadcast(Event{
		Type:      "session.freed",
		SessionID: sessionFromSubject(msg.Subject),
		Payload:   state,
	})
	return nil
}

// sessionFromSubject extracts the session id of gridrunner.worker.<id>.freeBrowser.
func sessionFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}

// BusForwarder publishes every hub event on EventsSubject.
type BusForwarder struct {
	bus bus.MessageBus
	ctx context.Context
}

// NewBusForwarder creates a forwarder that sends hub events to the bus.
func NewBusForwarder(ctx context.Context, b bus.MessageBus) *BusForwarder {
	return &BusForwarder{bus: b, ctx: ctx}
}

// BroadcastEvent implements EventForwarder.
func (bf *BusForwarder) BroadcastEvent(event Event) {
	if event.Type == "session.freed" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = bf.bus.Publish(bf.ctx, EventsSubject, data)
}
