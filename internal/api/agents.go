package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/registry"
)

// AgentHandler groups all agent-related HTTP handlers.
type AgentHandler struct {
	agents     *registry.AgentRegistry
	runs       *registry.RunRegistry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agents *registry.AgentRegistry, runs *registry.RunRegistry, dispatcher Dispatcher, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agents:     agents,
		runs:       runs,
		dispatcher: dispatcher,
		logger:     logger.Named("agent_handler"),
	}
}

// List handles GET /agents. Offline agents are included.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, agentViews(agents))
}

// ListAvailable handles GET /agents/available: agents with status
// available and a fresh heartbeat.
func (h *AgentHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAvailable(r.Context())
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, agentViews(agents))
}

// registerAgentRequest is the JSON body for POST /agents/register.
type registerAgentRequest struct {
	AgentID   string          `json:"agent_id"`
	Status    string          `json:"status"`
	Resources json.RawMessage `json:"resources"`
	PublicURL string          `json:"public_url"`
}

// Register handles POST /agents/register. Registration is an upsert:
// an agent re-registering after a restart overwrites its old record. A
// new available agent may unblock queued runs, so the dispatcher gets a
// kick.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		ErrBadRequest(w, "agent_id is required")
		return
	}
	if req.Status == "" {
		req.Status = string(db.AgentAvailable)
	}

	agent, err := h.agents.Register(r.Context(), req.AgentID, db.AgentStatus(req.Status), req.Resources, req.PublicURL)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	h.dispatcher.Kick()
	Created(w, registry.NewAgentView(agent))
}

// GetByID handles GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, registry.NewAgentView(agent))
}

// ListRuns handles GET /agents/{id}/runs: every run ever bound to the
// agent.
func (h *AgentHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if _, err := h.agents.Get(r.Context(), agentID); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	runs, err := h.runs.ListByAgent(r.Context(), agentID)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, runViews(runs))
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Heartbeat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, registry.NewAgentView(agent))
}

// setAgentStatusRequest is the JSON body for POST /agents/{id}/status.
type setAgentStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles POST /agents/{id}/status. An agent flipping back to
// available may unblock the queue.
func (h *AgentHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setAgentStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.agents.SetStatus(r.Context(), chi.URLParam(r, "id"), db.AgentStatus(req.Status))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	if agent.Status == db.AgentAvailable {
		h.dispatcher.Kick()
	}
	Ok(w, registry.NewAgentView(agent))
}

func agentViews(agents []db.Agent) []registry.AgentView {
	views := make([]registry.AgentView, len(agents))
	for i := range agents {
		views[i] = registry.NewAgentView(&agents[i])
	}
	return views
}
