package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus delivers events to named handlers. The process manager, the
// listener and the health watchdog emit on it; the plugin, telemetry and
// the entrypoint subscribe.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	inflight sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers handler for eventType under name. Subscribing a name
// that is already registered for the type replaces its handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	entry := handlerEntry{name: name, handler: handler}
	list := eb.handlers[eventType]
	for i := range list {
		if list[i].name == name {
			list[i] = entry
			log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("replaced event handler")
			return
		}
	}
	eb.handlers[eventType] = append(list, entry)
	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed to event")
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	list := eb.handlers[eventType]
	kept := list[:0:0]
	for _, h := range list {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	if len(kept) == len(list) {
		return
	}
	eb.handlers[eventType] = kept
	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("unsubscribed from event")
}

// snapshot copies the handlers for t. It reports false once the bus is
// stopped or when nobody listens.
func (eb *EventBus) snapshot(t EventType) ([]handlerEntry, bool) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped || len(eb.handlers[t]) == 0 {
		return nil, false
	}
	return append([]handlerEntry(nil), eb.handlers[t]...), true
}

// invoke runs one handler, turning a panic into an error.
func invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.handler(ctx, event)
}

func logFailure(h handlerEntry, event Event, err error) {
	log.Error().
		Err(err).
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Str("handler", h.name).
		Msg("event handler failed")
}

// Emit delivers event to every handler without waiting. Each handler runs
// in its own goroutine.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return
	}

	handlers := eb.handlers[event.Type]
	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	// inflight.Add under the read lock so Stop cannot miss a handler.
	for _, h := range handlers {
		h := h
		eb.inflight.Add(1)
		go func() {
			defer eb.inflight.Done()
			if err := invoke(ctx, h, event); err != nil {
				logFailure(h, event, err)
			}
		}()
	}
}

// EmitSync delivers event to every handler concurrently and returns once
// all of them are done, with the first error seen.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers, ok := eb.snapshot(event.Type)
	if !ok {
		return nil
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = invoke(ctx, h, event)
		}()
	}
	wg.Wait()

	var first error
	for i, err := range errs {
		if err == nil {
			continue
		}
		logFailure(handlers[i], event, err)
		if first == nil {
			first = err
		}
	}
	return first
}

// Stop rejects further events and waits for handlers started by Emit.
// Safe to call more than once.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
