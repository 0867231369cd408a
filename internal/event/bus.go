// Package event provides the pub/sub fan-out for the hub using watermill.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/opencode-hub/internal/logging"
)

// Topic identifies one of the hub's fan-out channels.
type Topic string

const (
	// TopicEvent carries every non-global envelope observed on any stream.
	TopicEvent Topic = "hub.event"
	// TopicStatus carries normalized session-status updates.
	TopicStatus Topic = "hub.status"
	// TopicState carries aggregate state snapshots.
	TopicState Topic = "hub.state"
)

// Message is a published item: a topic plus its payload. The payload type
// per topic is fixed by the manager (Envelope, StatusUpdate, StateSnapshot).
type Message struct {
	Topic Topic
	Data  any
}

// Subscriber is a function that receives messages for one topic.
type Subscriber func(msg Message)

// subscriberEntry wraps a subscriber with an ID so unsubscribe can find it.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the hub's event bus. It uses watermill's gochannel for
// infrastructure while keeping direct-call dispatch so payloads retain
// their Go types. A Bus is always an explicit constructed instance owned
// by its Manager; there is no package-level default.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Topic][]subscriberEntry

	nextID       uint64
	closed       bool
	closedCtx    context.Context
	closedCancel context.CancelFunc
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[Topic][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// Subscribe registers a subscriber for a topic and returns an unsubscribe
// function. After the unsubscribe function returns, the callback is never
// invoked again.
func (b *Bus) Subscribe(topic Topic, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[topic] = append(b.subscribers[topic], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(topic, id)
	}
}

func (b *Bus) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers a message to every subscriber of its topic, in the
// caller's goroutine. A panicking subscriber is recovered and logged so it
// cannot break dispatch to the others or crash the publishing loop.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[msg.Topic]))
	for _, entry := range b.subscribers[msg.Topic] {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		dispatch(sub, msg)
	}
}

func dispatch(sub Subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("topic", string(msg.Topic)).
				Any("panic", r).
				Msg("subscriber panicked")
		}
	}()
	sub(msg)
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close closes the bus and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()
	b.subscribers = make(map[Topic][]subscriberEntry)
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases,
// e.g. bridging the feed onto a distributed backend.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
