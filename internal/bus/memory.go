// ABOUTME: In-process implementation of the bus for single-node deployments and tests.
// ABOUTME: Fans published payloads out to per-subscriber buffered queues.

package bus

import (
	"context"
	"sync"
)

// subscriberBuffer is the capacity of each subscriber's pending queue.
// A subscriber that falls this far behind starts losing messages, which is
// within the at-most-once delivery contract.
const subscriberBuffer = 256

// Memory is an in-process Bus. It gives a single-process deployment the same
// topology as the Redis bus: every frame still crosses the bus, so broker
// code behaves identically in both configurations.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscriber]struct{}
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]map[*memorySubscriber]struct{}),
	}
}

// Publish delivers payload to every subscriber of topic. Subscribers whose
// queue is full miss the message rather than block the publisher.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	subs := make([]*memorySubscriber, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	msg := &Message{Topic: topic, Payload: payload}
	for _, s := range subs {
		select {
		case s.queue <- msg:
		default:
		}
	}
	return nil
}

// NewSubscriber opens a subscriber with no initial topics.
func (m *Memory) NewSubscriber() Subscriber {
	return &memorySubscriber{
		bus:    m,
		topics: make(map[string]struct{}),
		queue:  make(chan *Message, subscriberBuffer),
	}
}

type memorySubscriber struct {
	bus    *Memory
	queue  chan *Message
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (s *memorySubscriber) Subscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.bus.mu.Lock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
		if s.bus.topics[t] == nil {
			s.bus.topics[t] = make(map[*memorySubscriber]struct{})
		}
		s.bus.topics[t][s] = struct{}{}
	}
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscriber) Unsubscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.bus.mu.Lock()
	for _, t := range topics {
		delete(s.topics, t)
		delete(s.bus.topics[t], s)
		if len(s.bus.topics[t]) == 0 {
			delete(s.bus.topics, t)
		}
	}
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscriber) Next(_ context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.queue:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	default:
		return nil, ErrNoMessage
	}
}

// Close detaches the subscriber from all topics. Pending messages are
// discarded. Close is idempotent.
func (s *memorySubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.bus.mu.Lock()
	for t := range s.topics {
		delete(s.bus.topics[t], s)
		if len(s.bus.topics[t]) == 0 {
			delete(s.bus.topics, t)
		}
	}
	s.bus.mu.Unlock()

	s.topics = make(map[string]struct{})
	return nil
}
