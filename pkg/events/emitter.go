package events

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler receives an event payload. Returning an error stops Emit and is
// reported by EmitAndWait.
type Handler func(ctx context.Context, data any) error

// Emitter is a typed event emitter. The zero value is ready to use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Event][]*listener
	nextID   uint64
}

type listener struct {
	id   uint64
	fn   Handler
	once bool
	used bool
}

// NewEmitter constructs an emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// On subscribes fn to e and returns a func removing the subscription.
func (e *Emitter) On(ev Event, fn Handler) func() {
	return e.add(ev, fn, false)
}

// Once subscribes fn to the next emission of e only.
func (e *Emitter) Once(ev Event, fn Handler) func() {
	return e.add(ev, fn, true)
}

func (e *Emitter) add(ev Event, fn Handler, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[Event][]*listener)
	}
	e.nextID++
	id := e.nextID
	e.handlers[ev] = append(e.handlers[ev], &listener{id: id, fn: fn, once: once})
	return func() { e.remove(ev, id) }
}

func (e *Emitter) remove(ev Event, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.handlers[ev]
	for i, l := range ls {
		if l.id == id {
			e.handlers[ev] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(e.handlers[ev]) == 0 {
		delete(e.handlers, ev)
	}
}

// snapshot returns the handlers to call for one emission, consuming Once
// listeners so concurrent emissions deliver them at most once.
func (e *Emitter) snapshot(ev Event) []Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.handlers[ev]
	if len(ls) == 0 {
		return nil
	}
	fns := make([]Handler, 0, len(ls))
	kept := ls[:0:0]
	for _, l := range ls {
		if l.once {
			if l.used {
				continue
			}
			l.used = true
			fns = append(fns, l.fn)
			continue
		}
		fns = append(fns, l.fn)
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		delete(e.handlers, ev)
	} else {
		e.handlers[ev] = kept
	}
	return fns
}

// ListenerCount returns the number of handlers subscribed to ev.
func (e *Emitter) ListenerCount(ev Event) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[ev])
}

// Emit calls handlers synchronously in subscription order. The first error
// stops delivery and is returned.
func (e *Emitter) Emit(ctx context.Context, ev Event, data any) error {
	for _, fn := range e.snapshot(ev) {
		if err := fn(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// EmitAndWait runs every handler concurrently and waits for all of them.
// It returns the first error reported.
func (e *Emitter) EmitAndWait(ctx context.Context, ev Event, data any) error {
	fns := e.snapshot(ev)
	switch len(fns) {
	case 0:
		return nil
	case 1:
		return fns[0](ctx, data)
	}

	var g errgroup.Group
	for _, fn := range fns {
		g.Go(func() error {
			return fn(ctx, data)
		})
	}
	return g.Wait()
}

// Transform rewrites a payload while passing it through.
type Transform func(ev Event, data any) any

// Passthrough re-emits the given events of from on to. Async events are
// re-emitted with EmitAndWait so the origin awaits the downstream listeners.
// The returned func removes every subscription it made.
func Passthrough(from, to *Emitter, evs []Event, transform Transform) func() {
	unsubs := make([]func(), 0, len(evs))
	for _, ev := range evs {
		unsubs = append(unsubs, from.On(ev, func(ctx context.Context, data any) error {
			if transform != nil {
				data = transform(ev, data)
			}
			if IsAsync(ev) {
				return to.EmitAndWait(ctx, ev, data)
			}
			return to.Emit(ctx, ev, data)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
