// ABOUTME: Pub/sub bus interfaces used by the relay for all frame fan-out.
// ABOUTME: Topics are opaque strings; the broker uses agent and space uuids.

package bus

import (
	"context"
	"errors"
)

// ErrNoMessage is returned by Subscriber.Next when nothing is pending.
// Callers are expected to back off briefly and poll again.
var ErrNoMessage = errors.New("no message")

// ErrClosed is returned from operations on a closed subscriber.
var ErrClosed = errors.New("subscriber closed")

// Message is one delivery from the bus: the topic it was published to and the
// raw payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher publishes fire-and-forget payloads to a topic. A single publisher
// may be shared by every connection in the process.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber is a per-connection receive handle. It is not safe for
// concurrent use; each connection owns exactly one and polls it from its bus
// receive loop.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error

	// Next returns the next pending message without blocking.
	// Returns ErrNoMessage when the subscription queue is empty.
	Next(ctx context.Context) (*Message, error)

	Close() error
}

// Bus combines publishing with the ability to open new subscribers.
type Bus interface {
	Publisher

	// NewSubscriber opens a subscriber with no initial topics.
	NewSubscriber() Subscriber
}
