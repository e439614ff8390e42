// ABOUTME: Redis-backed implementation of the bus using go-redis pub/sub.
// ABOUTME: Lets multiple relay processes share one fan-out plane.

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus backed by a Redis server. One shared client handles
// publishing; each subscriber gets its own PubSub connection, which is the
// go-redis requirement for receiving.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis server at url (redis://host:port/db) and
// verifies the connection with a ping.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Publish sends payload to topic. Delivery is fire-and-forget: subscribers
// that are not listening at publish time never see the message.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// NewSubscriber opens a dedicated PubSub connection with no initial topics.
func (r *Redis) NewSubscriber() Subscriber {
	// Subscribe with no channels returns a connected but idle PubSub.
	pubsub := r.client.Subscribe(context.Background())
	return &redisSubscriber{
		pubsub: pubsub,
		ch:     pubsub.Channel(),
	}
}

// Close releases the shared client. Subscribers must be closed individually.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
	mu     sync.Mutex
	closed bool
}

func (s *redisSubscriber) Subscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(topics) == 0 {
		return nil
	}
	return s.pubsub.Subscribe(ctx, topics...)
}

func (s *redisSubscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(topics) == 0 {
		return nil
	}
	return s.pubsub.Unsubscribe(ctx, topics...)
}

func (s *redisSubscriber) Next(_ context.Context) (*Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}, nil
	default:
		return nil, ErrNoMessage
	}
}

func (s *redisSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pubsub.Close()
}
