package event

import (
	"sync"
	"sync/atomic"
)

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 64
	BufferSize int

	// OnDrop is called when an event is dropped because a subscriber's
	// buffer is full.
	OnDrop func(evt Event, subscriberID int64)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 64,
}

// Bus is an in-memory, topic-keyed pub/sub. Publish never blocks.
type Bus struct {
	config BusConfig

	mu     sync.RWMutex
	topics map[string]map[int64]*Subscription

	nextID atomic.Int64
	closed atomic.Bool
}

// NewBus creates a new bus.
func NewBus(config BusConfig) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	return &Bus{
		config: config,
		topics: make(map[string]map[int64]*Subscription),
	}
}

// Subscription receives the events published to one topic.
type Subscription struct {
	id     int64
	topic  string
	events chan Event
	bus    *Bus
	once   sync.Once
}

// Events returns the delivery channel. It is closed by Unsubscribe or
// when the bus closes.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the subscription and closes its channel.
// Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.remove(s)
}

// remove must be called with the bus lock held.
func (b *Bus) remove(s *Subscription) {
	s.once.Do(func() {
		if subs, ok := b.topics[s.topic]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(b.topics, s.topic)
			}
		}
		close(s.events)
	})
}

// Subscribe creates a subscription for topic. On a closed bus the
// returned subscription's channel is already closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:     b.nextID.Add(1),
		topic:  topic,
		events: make(chan Event, b.config.BufferSize),
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		sub.once.Do(func() { close(sub.events) })
		return sub
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int64]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	return sub
}

// Publish delivers evt to every subscriber of topic without blocking.
// When a subscriber's buffer is full a non-terminal event is dropped. A
// terminal event is never dropped: the oldest queued event is evicted to
// make room, since subscribers stop reading only after a terminal event.
func (b *Bus) Publish(topic string, evt Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[topic] {
		select {
		case sub.events <- evt:
			continue
		default:
		}
		if !evt.Type.Terminal() {
			b.dropped(evt, sub)
			continue
		}
		b.evictAndSend(sub, evt)
	}
}

// evictAndSend discards queued events until evt fits.
func (b *Bus) evictAndSend(sub *Subscription, evt Event) {
	for {
		select {
		case sub.events <- evt:
			return
		default:
		}
		select {
		case old := <-sub.events:
			b.dropped(old, sub)
		default:
		}
	}
}

func (b *Bus) dropped(evt Event, sub *Subscription) {
	if b.config.OnDrop != nil {
		b.config.OnDrop(evt, sub.id)
	}
}

// Subscribers returns the number of subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close shuts down the bus and closes every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.topics {
		for _, sub := range subs {
			b.remove(sub)
		}
	}
	return nil
}

// BusSink returns a Sink that publishes to topic on bus.
func BusSink(bus *Bus, topic string) Sink {
	return SinkFunc(func(evt Event) {
		bus.Publish(topic, evt)
	})
}

// TopicSink returns a Sink that publishes each event to its own topic.
func TopicSink(bus *Bus) Sink {
	return SinkFunc(func(evt Event) {
		bus.Publish(evt.Topic, evt)
	})
}
