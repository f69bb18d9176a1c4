package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// CloudPubSubBus publishes every event to a Google Cloud Pub/Sub topic and
// fans out to in-process subscribers immediately. With a subscription id it
// also receives events published by other instances.
//
// Usage:
//
//	client, _ := pubsub.NewClient(ctx, "my-project")
//	bus, err := events.NewCloudPubSubBus(ctx, client, "kanri-events", "kanri-events-api-1")
//	defer bus.Close()
type CloudPubSubBus struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	source string
	subs   *subscriberSet

	cancelReceive context.CancelFunc
	receiveDone   chan struct{}
	closeOnce     sync.Once
	closed        atomic.Bool
}

// NewCloudPubSubBus binds a topic, creating it if it does not exist. An
// empty subscriptionID disables inbound delivery from other instances.
func NewCloudPubSubBus(ctx context.Context, client *pubsub.Client, topicID, subscriptionID string) (*CloudPubSubBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[PubSubBus] Created topic", "topic", topicID)
	}
	// Changes to one collection stay in order.
	topic.EnableMessageOrdering = true

	b := &CloudPubSubBus{
		client: client,
		topic:  topic,
		source: "kanri-" + uuid.NewString()[:8],
		subs:   newSubscriberSet("PubSubBus"),
	}

	if subscriptionID != "" {
		sub := client.Subscription(subscriptionID)
		ok, err := sub.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscription.Exists: %w", err)
		}
		if !ok {
			sub, err = client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
				Topic:                 topic,
				EnableMessageOrdering: true,
			})
			if err != nil {
				return nil, fmt.Errorf("CreateSubscription: %w", err)
			}
		}
		b.startReceive(sub)
	}

	slog.Info("[PubSubBus] Connected", "topic", topic.String(), "source", b.source)
	return b, nil
}

// Source identifies this instance on events it publishes.
func (b *CloudPubSubBus) Source() string { return b.source }

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (b *CloudPubSubBus) TopicPath() string { return b.topic.String() }

// Publish delivers the event locally and publishes it to the topic. The
// Pub/Sub result is checked on a goroutine to keep writes off the hot path.
func (b *CloudPubSubBus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}
	event.stamp()
	if event.Source == "" {
		event.Source = b.source
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-type":       string(event.Type),
			"ce-source":     event.Source,
			"ce-id":         event.ID,
			"ce-time":       event.Timestamp.Format(time.RFC3339Nano),
			"ce-collection": event.Collection,
		},
		OrderingKey: event.Collection,
	}

	result := b.topic.Publish(ctx, msg)
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			slog.Warn("[PubSubBus] Publish failed", "event", event.ID, "error", err)
			if event.Collection != "" {
				b.topic.ResumePublish(event.Collection)
			}
			return
		}
		slog.Debug("[PubSubBus] Published", "event", event.ID, "msg_id", serverID, "type", event.Type)
	}()

	b.subs.deliver(ctx, event)
	return nil
}

func (b *CloudPubSubBus) Subscribe(eventType EventType, handler Handler) func() {
	return b.subs.add(eventType, handler)
}

// startReceive pulls events from other instances. Our own events were
// already delivered locally and are skipped by source.
func (b *CloudPubSubBus) startReceive(sub *pubsub.Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelReceive = cancel
	b.receiveDone = make(chan struct{})

	go func() {
		defer close(b.receiveDone)
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			m.Ack()
			if m.Attributes["ce-source"] == b.source {
				return
			}
			var event Event
			if err := json.Unmarshal(m.Data, &event); err != nil {
				slog.Warn("[PubSubBus] Failed to unmarshal event", "error", err)
				return
			}
			b.subs.deliver(ctx, &event)
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("[PubSubBus] Receive stopped", "error", err)
		}
	}()
}

// Close stops receiving, flushes pending publishes and closes the client.
func (b *CloudPubSubBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.cancelReceive != nil {
			b.cancelReceive()
			<-b.receiveDone
		}
		b.topic.Stop()
		b.subs.clear()
		if cerr := b.client.Close(); cerr != nil {
			err = fmt.Errorf("pubsub client close: %w", cerr)
		}
		slog.Info("[PubSubBus] Closed")
	})
	return err
}
