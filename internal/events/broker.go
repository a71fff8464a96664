// Package events fans transfer events out to live subscribers, one topic per
// file.
package events

import (
	"sync"

	"github.com/maneesh/hookdrive/internal/protocol"
)

const defaultBuffer = 256

// Broker routes events published on a topic to every subscriber of that topic.
// Slow subscribers lose events instead of blocking the publisher.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
}

// Subscription receives the events of one topic until it is closed.
type Subscription struct {
	topic string
	b     *Broker
	ch    chan protocol.Event
	once  sync.Once
}

// Events is closed when the subscription or its topic is closed.
func (s *Subscription) Events() <-chan protocol.Event { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.detach(s)
}

// Subscribe attaches a new subscriber to topic.
func (b *Broker) Subscribe(topic string) *Subscription {
	s := &Subscription{topic: topic, b: b, ch: make(chan protocol.Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s
}

// Publish delivers ev to the current subscribers of topic and reports how many
// accepted it.
func (b *Broker) Publish(topic string, ev protocol.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for s := range b.topics[topic] {
		select {
		case s.ch <- ev:
			n++
		default:
		}
	}
	return n
}

// CloseTopic ends every subscription of topic.
func (b *Broker) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.topics[topic] {
		b.detach(s)
	}
}

// Subscribers returns the number of subscribers of topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// detach must be called with b.mu held.
func (b *Broker) detach(s *Subscription) {
	s.once.Do(func() {
		subs := b.topics[s.topic]
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
		close(s.ch)
	})
}
