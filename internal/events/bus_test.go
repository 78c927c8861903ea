package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToAllHandlers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, event Event) error {
		calls.Add(1)
		done <- struct{}{}
		return nil
	}

	bus.Subscribe(EventPacketQueueFull, "test.first", handler)
	bus.Subscribe(EventPacketQueueFull, "test.second", handler)
	require.Equal(t, 2, bus.HandlerCount(EventPacketQueueFull))

	bus.Emit(context.Background(), Event{
		Type:    EventPacketQueueFull,
		Source:  "test",
		Payload: QueueFullPayload{SocketID: "game", TotalQueued: 3, Limit: 2},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler was not invoked")
		}
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmitSkipsUnsubscribedHandler(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventSocketRegistered, "test.counter", func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})
	bus.Unsubscribe(EventSocketRegistered, "test.counter")
	assert.Equal(t, 0, bus.HandlerCount(EventSocketRegistered))

	err := bus.EmitSync(context.Background(), Event{Type: EventSocketRegistered, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	wantErr := errors.New("journal write failed")
	bus.Subscribe(EventConnectionRequestReceived, "test.failing", func(ctx context.Context, event Event) error {
		return wantErr
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventConnectionRequestReceived, Source: "test"})
	assert.ErrorIs(t, err, wantErr)
}

func TestEmitRecoversFromPanickingHandler(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var survived atomic.Bool
	bus.Subscribe(EventShutdown, "test.panics", func(ctx context.Context, event Event) error {
		panic("boom")
	})
	bus.Subscribe(EventShutdown, "test.survives", func(ctx context.Context, event Event) error {
		survived.Store(true)
		return nil
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventShutdown, Source: "test"})
	require.NoError(t, err)
	assert.True(t, survived.Load(), "other handlers must still run when one panics")
}

func TestEmitAfterStopIsDropped(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventUserLoggedIn, "test.counter", func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventUserLoggedIn, Source: "test"})

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh must be closed after Stop")
	}
	assert.Equal(t, int32(0), calls.Load())
}
