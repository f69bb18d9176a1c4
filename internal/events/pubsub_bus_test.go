package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakePubSubClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "kanri-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestCloudPubSubBusPublish(t *testing.T) {
	srv, client := newFakePubSubClient(t)
	bus, err := NewCloudPubSubBus(context.Background(), client, "kanri-events", "")
	require.NoError(t, err)
	defer bus.Close()

	var r recorder
	bus.Subscribe(EventRecordChanged, r.handle)

	require.NoError(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged, Collection: "fridge_items", EntityID: "f1"}))
	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(srv.Messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	msg := srv.Messages()[0]
	assert.Equal(t, string(EventRecordChanged), msg.Attributes["ce-type"])
	assert.Equal(t, bus.Source(), msg.Attributes["ce-source"])
	assert.Equal(t, "fridge_items", msg.Attributes["ce-collection"])

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "f1", decoded.EntityID)
	assert.Equal(t, "projects/kanri-test/topics/kanri-events", bus.TopicPath())
}

func TestCloudPubSubBusReceivesFromOtherInstances(t *testing.T) {
	srv, client := newFakePubSubClient(t)
	bus, err := NewCloudPubSubBus(context.Background(), client, "kanri-events", "kanri-events-a")
	require.NoError(t, err)
	defer bus.Close()

	var r recorder
	bus.Subscribe(EventOperationFailed, r.handle)

	remote, err := json.Marshal(Event{ID: "e1", Type: EventOperationFailed, Source: "kanri-other", Collection: "todos"})
	require.NoError(t, err)
	srv.Publish("projects/kanri-test/topics/kanri-events", remote, map[string]string{"ce-source": "kanri-other"})

	require.Eventually(t, func() bool { return r.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "e1", r.first().ID)
}

func TestCloudPubSubBusClosed(t *testing.T) {
	_, client := newFakePubSubClient(t)
	bus, err := NewCloudPubSubBus(context.Background(), client, "kanri-events", "")
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(context.Background(), &Event{Type: EventRecordChanged}))
}
