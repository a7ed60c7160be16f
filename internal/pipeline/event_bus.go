package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for recognition events.
// Subscribers receive events from every channel worker.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channelFilter string // Empty string means receive all channels
	ch            chan *RecognitionEvent
	handler       RecognitionEventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events from all channels.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler RecognitionEventHandler) func() {
	return b.SubscribeChannel("", handler)
}

// SubscribeChannel registers a handler for events of one named channel
func (b *EventBus) SubscribeChannel(name string, handler RecognitionEventHandler) func() {
	sub := &eventSubscription{
		channelFilter: name,
		handler:       handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Listen returns a Go channel that receives events, optionally filtered to
// one named channel. Events are dropped when the buffer is full.
// Returns the receive channel and an unsubscribe function.
func (b *EventBus) Listen(name string, bufferSize int) (<-chan *RecognitionEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *RecognitionEvent, bufferSize)
	sub := &eventSubscription{
		channelFilter: name,
		ch:            ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all matching subscribers
func (b *EventBus) Publish(event *RecognitionEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.channelFilter != "" && sub.channelFilter != event.Channel {
			continue
		}

		// Handlers run synchronously on the publishing worker so a channel's
		// events are observed in order.
		if sub.handler != nil {
			sub.handler.OnRecognitionEvent(event)
		} else if sub.ch != nil {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes their channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.ch != nil {
			close(sub.ch)
		}
		delete(b.subscribers, sub)
	}
}
