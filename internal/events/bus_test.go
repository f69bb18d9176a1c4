package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) first() *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[0]
}

func TestLocalBusDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	var changed, failed recorder
	bus.Subscribe(EventRecordChanged, changed.handle)
	bus.Subscribe(EventOperationFailed, failed.handle)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged, Collection: "todos", EntityID: "t1"}))

	require.Eventually(t, func() bool { return changed.len() == 1 }, time.Second, 5*time.Millisecond)
	e := changed.first()
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "t1", e.EntityID)
	assert.Equal(t, 0, failed.len())
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := NewLocalBus()
	var r recorder
	unsub := bus.Subscribe(EventRecordChanged, r.handle)
	unsub()

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.len())
}

func TestLocalBusClosedIsNoop(t *testing.T) {
	bus := NewLocalBus()
	var r recorder
	bus.Subscribe(EventRecordChanged, r.handle)
	require.NoError(t, bus.Close())

	assert.NoError(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.len())
}

// ============================================================================
// REDIS BUS
// ============================================================================

// fakePubSub routes published messages to channel subscribers in-process.
type fakePubSub struct {
	mu         sync.Mutex
	handlers   map[string][]func([]byte)
	publishErr error
	subscribes int
	closes     int
}

func (f *fakePubSub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: map[string][]func([]byte){}}
}

func (f *fakePubSub) Publish(_ context.Context, channel string, message []byte) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	handlers := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakePubSub) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, channel)
	}, nil
}

func TestRedisBusRoundTrip(t *testing.T) {
	ps := newFakePubSub()
	bus := NewRedisBus(ps)
	defer bus.Close()

	var a, b recorder
	bus.Subscribe(EventRecordChanged, a.handle)
	bus.Subscribe(EventRecordChanged, b.handle)
	assert.Equal(t, 1, ps.subscribes, "one redis channel per event type")

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged, Collection: "expenses", Operation: "create"}))

	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "expenses", a.first().Collection)
	assert.Equal(t, "create", a.first().Operation)
	ps.mu.Lock()
	_, ok := ps.handlers[string(EventRecordChanged)]
	ps.mu.Unlock()
	assert.True(t, ok)
}

func TestRedisBusFallsBackToLocal(t *testing.T) {
	ps := newFakePubSub()
	ps.publishErr = errors.New("connection refused")
	bus := NewRedisBus(ps)
	defer bus.Close()

	var r recorder
	bus.Subscribe(EventOperationFailed, r.handle)
	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventOperationFailed}))
	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedisBusClosed(t *testing.T) {
	ps := newFakePubSub()
	bus := NewRedisBus(ps)
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged}))
	assert.Equal(t, 1, ps.closes)
}
