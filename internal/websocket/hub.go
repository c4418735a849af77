package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/metrics"
)

// Hub fans the observer event stream out to connected WebSocket clients.
//
// All mutations to the client set (register, unregister) are serialised
// through the Run loop via channels, which also consumes the event bus
// subscription. Broadcast happens inside the loop with non-blocking
// sends: a client whose buffer is full is disconnected so it cannot
// stall the others.
type Hub struct {
	bus    *eventbus.Bus
	m      *metrics.Metrics
	logger *zap.Logger

	// clients is the set of connected clients. Only the Run goroutine
	// writes it; mu covers the ConnectedCount read path.
	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
// m may be nil (tests).
func NewHub(bus *eventbus.Bus, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		bus:        bus,
		m:          m,
		logger:     logger.Named("websocket"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run subscribes to the observer topic and starts the hub's event loop.
// It must be called exactly once, in its own goroutine, and exits when
// ctx is cancelled.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	sub := h.bus.Subscribe(eventbus.TopicUI, "websocket", 256)
	defer sub.Close()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.setGauge()

		case client := <-h.unregister:
			h.remove(client)

		case evt := <-sub.C():
			h.broadcast(Message{Type: evt.Type, Payload: evt.Payload})

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			h.setGauge()
			return
		}
	}
}

// broadcast queues msg on every connected client. Clients whose send
// buffer is full are removed: they are too slow to keep up and the
// stream carries no replayable history anyway.
func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("disconnecting slow client",
			zap.String("remote_addr", c.remoteAddr),
		)
		h.remove(c)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		// Signals the client's writePump to drain and exit.
		close(client.send)
	}
	h.mu.Unlock()
	h.setGauge()
}

// Subscribe registers client with the hub. Called by the HTTP upgrade
// handler after the client is initialised. Once the hub has stopped
// this is a no-op; the connection is torn down by its own pumps.
func (h *Hub) Subscribe(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopped:
	}
}

// Unsubscribe removes client from the hub. Called by the client's
// readPump when the connection closes. A no-op once the hub has
// stopped.
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// ConnectedCount returns the number of connected WebSocket clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setGauge() {
	if h.m != nil {
		h.m.ObserverClients.Set(float64(h.ConnectedCount()))
	}
}
