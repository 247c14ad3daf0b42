package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	events   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) PublishUpdate(event string, payload []byte) error {
	f.events = append(f.events, event)
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fakeSubscriber struct {
	handler   func(event string, payload []byte)
	cancelled bool
	err       error
}

func (f *fakeSubscriber) SubscribeUpdates(handler func(event string, payload []byte)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.handler = handler
	return func() { f.cancelled = true }, nil
}

func testClient() *Client {
	return &Client{ID: "c1", send: make(chan WSMessage, 4)}
}

func TestBroadcastReachesLocalClientsAndRedis(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHub(zap.NewNop(), pub, nil)
	c := testClient()
	h.Register(c)

	h.Broadcast("session_update", map[string]int{"viewers": 42})

	require.Len(t, c.send, 1)
	msg := <-c.send
	assert.Equal(t, "session_update", msg.Event)
	var body map[string]int
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, 42, body["viewers"])

	require.Len(t, pub.events, 1)
	assert.Equal(t, "session_update", pub.events[0])
}

func TestSubscribedUpdatesReachLocalClients(t *testing.T) {
	sub := &fakeSubscriber{}
	h := NewHub(zap.NewNop(), nil, sub)
	require.NotNil(t, sub.handler)

	c := testClient()
	h.Register(c)

	sub.handler("event_batch", []byte(`{"count":3}`))

	require.Len(t, c.send, 1)
	assert.Equal(t, "event_batch", (<-c.send).Event)
}

func TestSlowClientIsSkippedNotBlocked(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	c := &Client{ID: "slow", send: make(chan WSMessage)} // unbuffered, never read
	h.Register(c)

	done := make(chan struct{})
	go func() {
		h.Broadcast("session_update", "x")
		close(done)
	}()
	<-done
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	c := testClient()
	h.Register(c)
	assert.Equal(t, 1, h.ClientCount())

	h.Unregister(c)
	assert.Equal(t, 0, h.ClientCount())

	h.Broadcast("session_update", "x")
	assert.Empty(t, c.send)
}

func TestSubscribeFailureRunsLocalOnly(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("redis down")}
	h := NewHub(zap.NewNop(), nil, sub)

	c := testClient()
	h.Register(c)
	h.Broadcast("session_update", "x")
	assert.Len(t, c.send, 1)
}

func TestCloseCancelsSubscription(t *testing.T) {
	sub := &fakeSubscriber{}
	h := NewHub(zap.NewNop(), nil, sub)
	h.Close()
	assert.True(t, sub.cancelled)
}
