package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFiltersByChannel(t *testing.T) {
	bus := NewEventBus()

	var all, onlyA []string
	unsubAll := bus.Subscribe(RecognitionEventHandlerFunc(func(e *RecognitionEvent) {
		all = append(all, e.Channel)
	}))
	bus.SubscribeChannel("a", RecognitionEventHandlerFunc(func(e *RecognitionEvent) {
		onlyA = append(onlyA, e.Channel)
	}))

	bus.Publish(&RecognitionEvent{Channel: "a"})
	bus.Publish(&RecognitionEvent{Channel: "b"})
	bus.Publish(nil)

	assert.Equal(t, []string{"a", "b"}, all)
	assert.Equal(t, []string{"a"}, onlyA)

	unsubAll()
	bus.Publish(&RecognitionEvent{Channel: "a"})
	assert.Len(t, all, 2)
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestEventBusListenDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.Listen("", 1)

	bus.Publish(&RecognitionEvent{ID: "1"})
	bus.Publish(&RecognitionEvent{ID: "2"})

	got := <-ch
	assert.Equal(t, "1", got.ID)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	unsubscribe()
}

func TestEventBusCloseClosesListeners(t *testing.T) {
	bus := NewEventBus()
	ch, _ := bus.Listen("x", 4)
	bus.Close()

	_, ok := <-ch
	require.False(t, ok)
	assert.Zero(t, bus.SubscriberCount())
}
