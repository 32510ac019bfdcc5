// Package transport fans events out to topic subscribers over Redis and
// tracks ephemeral per-topic presence with TTL keys.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the wire envelope published on a topic channel.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload value into an envelope.
func NewEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: raw}, nil
}

// TopicEvent is an event as received by a subscriber, tagged with the
// topic it arrived on.
type TopicEvent struct {
	Topic string
	Event Event
}

// Broker publishes and subscribes topic events through Redis.
type Broker struct {
	client *redis.Client
	prefix string
}

func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewBrokerWithClient(client), nil
}

// NewBrokerWithClient creates a broker from an existing Redis client.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "topic:"}
}

func (b *Broker) channel(topic string) string {
	return b.prefix + topic
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event.Name, topic, err)
	}
	return nil
}

// Subscribe opens a subscription on the given topics. The returned
// subscription can be retargeted as the client navigates between topics.
func (b *Broker) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	sub := &Subscription{
		broker: b,
		pubsub: pubsub,
		events: make(chan TopicEvent, 64),
	}
	go sub.pump()
	return sub, nil
}

// Subscription is a live pub/sub connection over a mutable topic set.
type Subscription struct {
	broker *Broker
	pubsub *redis.PubSub
	events chan TopicEvent
}

func (s *Subscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		s.events <- TopicEvent{
			Topic: strings.TrimPrefix(msg.Channel, s.broker.prefix),
			Event: event,
		}
	}
}

// Events yields decoded events until the subscription is closed.
func (s *Subscription) Events() <-chan TopicEvent {
	return s.events
}

func (s *Subscription) Add(ctx context.Context, topics ...string) error {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = s.broker.channel(topic)
	}
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *Subscription) Remove(ctx context.Context, topics ...string) error {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = s.broker.channel(topic)
	}
	return s.pubsub.Unsubscribe(ctx, channels...)
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Presence. Each present member holds one key under the topic's prefix;
// the TTL is the liveness window and members renew it with heartbeats.

func (b *Broker) presenceKey(topic, member string) string {
	return "presence:" + topic + ":" + member
}

// Heartbeat marks the member present on the topic and renews the TTL.
func (b *Broker) Heartbeat(ctx context.Context, topic, member string, state []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.presenceKey(topic, member), state, ttl).Err(); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// Depart removes the member's presence key ahead of its TTL.
func (b *Broker) Depart(ctx context.Context, topic, member string) error {
	if err := b.client.Del(ctx, b.presenceKey(topic, member)).Err(); err != nil {
		return fmt.Errorf("presence depart: %w", err)
	}
	return nil
}

// Present returns the state blobs of every live member on the topic.
// Members whose TTL lapsed without a heartbeat simply stop appearing.
func (b *Broker) Present(ctx context.Context, topic string) ([][]byte, error) {
	pattern := b.presenceKey(topic, "*")
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan presence keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence states: %w", err)
	}
	states := make([][]byte, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			states = append(states, []byte(s))
		}
	}
	return states, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}
