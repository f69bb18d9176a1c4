package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PubSubClient is the minimal Redis Pub/Sub surface RedisBus needs.
// Channels are named by event type; namespacing is up to the client. A
// client that is also an io.Closer is closed with the bus.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes events across instances using Redis Pub/Sub.
// Events come back through the Redis subscription, so every instance
// (including the publisher) delivers each event exactly once.
type RedisBus struct {
	pubsub PubSubClient
	subs   *subscriberSet

	mu         sync.Mutex
	channels   map[EventType]bool
	unsubFuncs []func()
	closed     atomic.Bool
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client PubSubClient) *RedisBus {
	return &RedisBus{
		pubsub:   client,
		subs:     newSubscriberSet("RedisBus"),
		channels: make(map[EventType]bool),
	}
}

// Publish sends an event to Redis so all instances receive it. When Redis is
// unreachable the event is still delivered to local subscribers.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}
	event.stamp()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.pubsub.Publish(ctx, string(event.Type), data); err != nil {
		slog.Warn("[RedisBus] Publish failed, falling back to local",
			"type", event.Type, "error", err)
		b.subs.deliver(ctx, event)
	}
	return nil
}

// Subscribe registers a handler. The first subscriber of a type opens the
// Redis channel for it.
func (b *RedisBus) Subscribe(eventType EventType, handler Handler) func() {
	unsubscribe := b.subs.add(eventType, handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[eventType] {
		return unsubscribe
	}

	unsub, err := b.pubsub.Subscribe(context.Background(), string(eventType), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("[RedisBus] Failed to unmarshal event", "error", err)
			return
		}
		b.subs.deliver(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("[RedisBus] Redis subscribe failed, local-only mode",
			"type", eventType, "error", err)
		return unsubscribe
	}
	b.channels[eventType] = true
	b.unsubFuncs = append(b.unsubFuncs, unsub)
	return unsubscribe
}

// Close shuts down the bus, its Redis subscriptions and the client.
func (b *RedisBus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	for _, unsub := range b.unsubFuncs {
		unsub()
	}
	b.unsubFuncs = nil
	b.channels = make(map[EventType]bool)
	b.mu.Unlock()

	b.subs.clear()
	slog.Info("[RedisBus] Closed")
	if c, ok := b.pubsub.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
