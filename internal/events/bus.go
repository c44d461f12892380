package events

import (
	"context"
	"fmt"
)

// Handler reacts to one event. A handler error aborts the enclosing
// use-case, which rolls back its persistence.
type Handler func(ctx context.Context, ev Event) error

// Observer is notified once per successful dispatch, after all handlers
// have run.
type Observer func(ctx context.Context, name Name)

// Bus is a short-lived, per-request synchronous dispatcher. It is not safe
// for concurrent use and is never shared between requests.
type Bus struct {
	handlers   map[Name][]Handler
	observer   Observer
	depthLimit int
	depth      int
}

// NewBus builds a bus with the given re-emission depth limit.
func NewBus(depthLimit int) *Bus {
	if depthLimit <= 0 {
		depthLimit = 4
	}
	return &Bus{
		handlers:   make(map[Name][]Handler),
		depthLimit: depthLimit,
	}
}

// Subscribe registers a handler for one event name. Handlers run in
// registration order.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.handlers[name] = append(b.handlers[name], h)
}

// OnDispatch sets the dispatch observer.
func (b *Bus) OnDispatch(fn Observer) {
	b.observer = fn
}

// Emit dispatches ev to its handlers synchronously, in registration order.
// Handlers may emit further events; recursion beyond the depth limit fails
// the emission so cyclic handler chains surface as errors instead of
// spinning.
func (b *Bus) Emit(ctx context.Context, ev Event) error {
	if b.depth >= b.depthLimit {
		return fmt.Errorf("event depth limit %d exceeded emitting %s", b.depthLimit, ev.EventName())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.depth++
	defer func() { b.depth-- }()

	for _, h := range b.handlers[ev.EventName()] {
		if err := h(ctx, ev); err != nil {
			return fmt.Errorf("handler for %s: %w", ev.EventName(), err)
		}
	}
	if b.observer != nil {
		b.observer(ctx, ev.EventName())
	}
	return nil
}
