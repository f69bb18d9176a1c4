// Package events distributes change notifications between collections and
// their observers (the realtime hub, other server instances).
//
// LocalBus fans out within one process. RedisBus also crosses process
// boundaries through Redis Pub/Sub so that every instance behind a load
// balancer pushes the same changes to its websocket clients.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType classifies event categories.
type EventType string

const (
	// EventRecordChanged is published after a write is confirmed by the
	// Record Store.
	EventRecordChanged EventType = "record.changed"
	// EventOperationFailed is published when an optimistic operation fails
	// or times out and now awaits retry or rollback.
	EventOperationFailed EventType = "operation.failed"
)

// Event is a change notification.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Source      string                 `json:"source"`
	Collection  string                 `json:"collection"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Operation   string                 `json:"operation,omitempty"` // create, update, delete
	OperationID string                 `json:"operation_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// stamp fills in the id and timestamp when missing.
func (e *Event) stamp() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus provides publish/subscribe for change events.
type Bus interface {
	// Publish sends an event to all subscribers of the event type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts down the bus.
	Close() error
}

var subscriberCounter atomic.Int64

type subscriberEntry struct {
	id      int64
	handler Handler
}

// subscriberSet is the in-process fan-out shared by both buses.
type subscriberSet struct {
	mu   sync.RWMutex
	subs map[EventType][]subscriberEntry
	name string
}

func newSubscriberSet(name string) *subscriberSet {
	return &subscriberSet{subs: make(map[EventType][]subscriberEntry), name: name}
}

func (s *subscriberSet) add(eventType EventType, handler Handler) func() {
	id := subscriberCounter.Add(1)

	s.mu.Lock()
	s.subs[eventType] = append(s.subs[eventType], subscriberEntry{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[eventType]
		for i, entry := range subs {
			if entry.id == id {
				s.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	s.subs = make(map[EventType][]subscriberEntry)
	s.mu.Unlock()
}

// deliver fans out an event to all matching subscribers asynchronously.
func (s *subscriberSet) deliver(ctx context.Context, event *Event) {
	s.mu.RLock()
	handlers := append([]subscriberEntry(nil), s.subs[event.Type]...)
	s.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("["+s.name+"] Handler error", "type", event.Type, "error", err)
			}
		}()
	}
}

// ============================================================================
// LOCAL BUS (in-process, for single-instance deployments)
// ============================================================================

// LocalBus is an in-memory Bus. Use RedisBus when several instances serve
// the same household.
type LocalBus struct {
	subs   *subscriberSet
	closed atomic.Bool
}

// NewLocalBus creates an in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: newSubscriberSet("EventBus")}
}

// Publish delivers the event to every subscriber of its type. Publishing on
// a closed bus is a no-op.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return nil
	}
	event.stamp()
	b.subs.deliver(ctx, event)
	return nil
}

func (b *LocalBus) Subscribe(eventType EventType, handler Handler) func() {
	return b.subs.add(eventType, handler)
}

func (b *LocalBus) Close() error {
	b.closed.Store(true)
	b.subs.clear()
	return nil
}
