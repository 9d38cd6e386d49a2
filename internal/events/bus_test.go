package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_EmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	for _, name := range []string{"plugin", "telemetry"} {
		name := name
		bus.Subscribe(EventPlayerJoined, name, func(_ context.Context, ev Event) error {
			mu.Lock()
			got = append(got, name+":"+ev.Payload.(PlayerPayload).Player)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}

	bus.Emit(context.Background(), Event{Type: EventPlayerJoined, Source: "console", Payload: PlayerPayload{Player: "Steve"}})
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"plugin:Steve", "telemetry:Steve"}, got)
}

func TestEventBus_EmitSyncWaitsAndReturnsError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	boom := errors.New("boom")
	bus.Subscribe(EventPlayerChat, "ok", func(context.Context, Event) error {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventPlayerChat, "failing", func(context.Context, Event) error {
		calls.Add(1)
		return boom
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventPlayerChat})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, calls.Load())
}

func TestEventBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventServerStop, "panics", func(context.Context, Event) error {
		panic("handler bug")
	})
	assert.NotPanics(t, func() {
		_ = bus.EmitSync(context.Background(), Event{Type: EventServerStop})
	})
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	noop := func(context.Context, Event) error { return nil }
	bus.Subscribe(EventBotConnected, "a", noop)
	bus.Subscribe(EventBotConnected, "b", noop)
	require.Equal(t, 2, bus.HandlerCount(EventBotConnected))

	bus.Unsubscribe(EventBotConnected, "a")
	assert.Equal(t, 1, bus.HandlerCount(EventBotConnected))
	bus.Unsubscribe(EventShutdown, "missing")
}

func TestEventBus_ResubscribeReplacesHandler(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var first, second atomic.Int32
	bus.Subscribe(EventPlayerJoined, "plugin", func(context.Context, Event) error {
		first.Add(1)
		return nil
	})
	bus.Subscribe(EventPlayerJoined, "plugin", func(context.Context, Event) error {
		second.Add(1)
		return nil
	})
	require.Equal(t, 1, bus.HandlerCount(EventPlayerJoined))

	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventPlayerJoined}))
	assert.Zero(t, first.Load())
	assert.EqualValues(t, 1, second.Load())
}

func TestEventBus_StopDropsLaterEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "count", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Stop()
	bus.Stop()

	bus.Emit(context.Background(), Event{Type: EventShutdown})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventShutdown}))
	assert.EqualValues(t, 0, calls.Load())

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("stop channel not closed")
	}
}
