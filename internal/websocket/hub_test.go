package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/eventbus"
)

func newTestHub(t *testing.T) (*Hub, *eventbus.Bus, context.CancelFunc) {
	t.Helper()
	bus := eventbus.New(zap.NewNop(), nil)
	hub := NewHub(bus, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, bus, cancel
}

func TestHubBroadcastsObserverEvents(t *testing.T) {
	hub, bus, cancel := newTestHub(t)
	defer cancel()

	client := &Client{send: make(chan Message, 4)}
	hub.Subscribe(client)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.TopicUI, eventbus.Event{Type: eventbus.EvtRunCreated, Payload: "r1"})

	select {
	case msg := <-client.send:
		require.Equal(t, eventbus.EvtRunCreated, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("event never reached the client")
	}
}

func TestHubDisconnectsSlowClients(t *testing.T) {
	hub, bus, cancel := newTestHub(t)
	defer cancel()

	// A zero-capacity send buffer cannot absorb a single event.
	client := &Client{send: make(chan Message)}
	hub.Subscribe(client)
	require.Eventually(t, func() bool { return hub.ConnectedCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.TopicUI, eventbus.Event{Type: eventbus.EvtRunUpdated})

	require.Eventually(t, func() bool { return hub.ConnectedCount() == 0 },
		time.Second, 5*time.Millisecond)
	_, open := <-client.send
	require.False(t, open)
}

func TestHubSubscribeAfterStopDoesNotBlock(t *testing.T) {
	hub, _, cancel := newTestHub(t)
	cancel()
	<-hub.stopped

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		// Far past the register/unregister channel capacity, so a missing
		// shutdown guard would park this goroutine forever.
		for i := 0; i < 64; i++ {
			c := &Client{send: make(chan Message, 1)}
			hub.Subscribe(c)
			hub.Unsubscribe(c)
		}
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("hub registration blocked after shutdown")
	}
}
