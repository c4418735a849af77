// Package websocket implements the real-time push channel between the
// orchestrator and its peers. Observer clients (dashboards, CLIs) connect
// on /ws/ui and receive every state-change notification; agents connect
// on /ws/agent, receive the same stream, and additionally send frames
// upstream that the inbound router applies.
//
// The hub bridges the internal event bus onto client connections. Slow
// clients are disconnected rather than buffered without bound.
package websocket

// Message is the envelope for every frame pushed to clients.
//
// JSON example:
//
//	{"type":"run.updated","payload":{"id":"018f...","status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type string `json:"type"`

	// Payload carries the entity representation, matching the shapes the
	// REST API returns for the same resource.
	Payload any `json:"payload"`
}
