package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the
	// peer. A stalled write closes the connection so it cannot block the
	// writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after
	// sending a ping.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// observerReadLimit bounds frames from observer clients, which only
	// send close and pong frames.
	observerReadLimit = 512

	// agentReadLimit bounds frames from agents. Run events may embed
	// base64 screenshots, so the limit is generous.
	agentReadLimit = 8 << 20

	// sendBufferSize is the capacity of the per-client message channel.
	// A client that lets it fill is disconnected by the hub.
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation is the reverse proxy's job.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameHandler consumes one inbound application frame from an agent
// connection.
type FrameHandler func(ctx context.Context, raw []byte)

// Client is a single connected WebSocket peer. Each client runs two
// goroutines: readPump (disconnection detection, pongs, and for agent
// connections the inbound frames) and writePump (serialises outgoing
// messages onto the wire).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the outbound buffer. The hub writes here; writePump reads
	// and forwards to the wire. Closed by the hub on unregister.
	send chan Message

	// onFrame handles inbound application frames. Nil for observer
	// clients, whose frames are discarded.
	onFrame FrameHandler

	remoteAddr string
	logger     *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it. onFrame is nil
// for observers; agent connections pass the inbound router's Handle.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, onFrame FrameHandler, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan Message, sendBufferSize),
		onFrame:    onFrame,
		remoteAddr: r.RemoteAddr,
		logger:     logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client with the hub and starts the pumps. It blocks
// until the connection closes, which is fine from an HTTP handler that
// has already completed the upgrade.
func (c *Client) Run(ctx context.Context) {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump(ctx)
}

// readPump reads frames from the connection until it closes. Observer
// frames are discarded; agent frames go to onFrame. The read deadline
// is reset on every pong and every inbound frame.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	limit := int64(observerReadLimit)
	if c.onFrame != nil {
		limit = agentReadLimit
	}
	c.conn.SetReadLimit(limit)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		if c.onFrame != nil && len(raw) > 0 {
			c.onFrame(ctx, raw)
		}
	}
}

// writePump forwards queued messages to the wire and sends periodic
// pings. It is the only goroutine writing to conn; gorilla connections
// are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
