package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventWriteEnqueued, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventWriteEnqueued, WritePayload{WriteID: "w1", Op: "create", Status: "PENDING"})
	require.NoError(t, err)

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventWriteEnqueued, received.Type)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded WritePayload
	require.NoError(t, received.Decode(&decoded))
	assert.Equal(t, "w1", decoded.WriteID)
	assert.Equal(t, "PENDING", decoded.Status)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2, all int

	bus.Subscribe(EventCheckpointOpened, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventCheckpointOpened, func(_ *Event) error { count2++; return nil })
	bus.Subscribe("*", func(_ *Event) error { all++; return nil })

	bus.Publish(&Event{Type: EventCheckpointOpened})
	bus.Publish(&Event{Type: EventCheckpointClosed})

	assert.Equal(t, 1, count1)
	assert.Equal(t, 1, count2)
	assert.Equal(t, 2, all)
}

func TestEventBusHandlerErrors(t *testing.T) {
	bus := NewEventBus()
	var reported error

	bus.OnError(func(_ *Event, err error) { reported = err })
	bus.Subscribe(EventWriteFailed, func(_ *Event) error { return errors.New("boom") })

	var secondCalled bool
	bus.Subscribe(EventWriteFailed, func(_ *Event) error { secondCalled = true; return nil })

	bus.Publish(&Event{Type: EventWriteFailed})
	assert.EqualError(t, reported, "boom")
	assert.True(t, secondCalled, "a failing handler must not stop the rest")
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	assert.NotPanics(t, func() { bus.Publish(&Event{Type: "unknown"}) })
	assert.NoError(t, bus.PublishJSON("unknown", nil))

	var nilBus *EventBus
	assert.NoError(t, nilBus.PublishJSON(EventWriteConfirmed, nil))
}

func TestNewJSONEvent(t *testing.T) {
	event, err := NewJSONEvent(EventIdentityMapped, IdentityPayload{LocalID: "L", ServerID: "S", Rewritten: 2})
	require.NoError(t, err)
	assert.Equal(t, EventIdentityMapped, event.Type)

	var decoded IdentityPayload
	require.NoError(t, event.Decode(&decoded))
	assert.Equal(t, IdentityPayload{LocalID: "L", ServerID: "S", Rewritten: 2}, decoded)

	_, err = NewJSONEvent("bad", make(chan int))
	assert.Error(t, err)
}
