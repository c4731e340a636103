package notify

import (
	"context"
	"fmt"

	"github.com/odvcencio/gridrunner/pkg/bus"
)

// DefaultSubject is the base subject of bus notifications.
const DefaultSubject = "gridrunner.notify"

// BusAdapter publishes events to the message bus under
// "<subject>.<type>", e.g. gridrunner.notify.run.failed.
type BusAdapter struct {
	bus     bus.MessageBus
	subject string
}

// NewBusAdapter creates a bus adapter. An empty subject uses DefaultSubject.
func NewBusAdapter(b bus.MessageBus, subject string) (*BusAdapter, error) {
	if b == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &BusAdapter{bus: b, subject: subject}, nil
}

// Name returns the adapter name.
func (a *BusAdapter) Name() string {
	return "bus"
}

// Send publishes an event to the bus.
func (a *BusAdapter) Send(ctx context.Context, event *Event) error {
	return a.bus.Publish(ctx, fmt.Sprintf("%s.%s", a.subject, event.Type), event.JSON())
}

// Close is a no-op; the bus is owned by the caller.
func (a *BusAdapter) Close() error {
	return nil
}
