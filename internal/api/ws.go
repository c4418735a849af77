package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/inbound"
	"github.com/botfleet-io/botfleet/internal/websocket"
)

// WSHandler upgrades HTTP connections onto the push channel. Observers
// receive the event stream; agents additionally send frames that the
// inbound router applies.
type WSHandler struct {
	hub    *websocket.Hub
	router *inbound.Router
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *websocket.Hub, router *inbound.Router, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		router: router,
		logger: logger.Named("ws_handler"),
	}
}

// Observer handles GET /ws/ui: a receive-only subscription to every
// state-change notification.
func (h *WSHandler) Observer(w http.ResponseWriter, r *http.Request) {
	client, err := websocket.NewClient(h.hub, w, r, nil, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run(r.Context())
}

// Agent handles GET /ws/agent: the bidirectional agent channel. The
// read side feeds the inbound router.
func (h *WSHandler) Agent(w http.ResponseWriter, r *http.Request) {
	client, err := websocket.NewClient(h.hub, w, r, h.router.Handle, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run(r.Context())
}
