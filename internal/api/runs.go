package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/registry"
)

// RunHandler groups all run-related HTTP handlers.
type RunHandler struct {
	runs       *registry.RunRegistry
	agents     *registry.AgentRegistry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(runs *registry.RunRegistry, agents *registry.AgentRegistry, dispatcher Dispatcher, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		runs:       runs,
		agents:     agents,
		dispatcher: dispatcher,
		logger:     logger.Named("run_handler"),
	}
}

// List handles GET /runs, most recent first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), paginationOpts(r))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, runViews(runs))
}

// GetByID handles GET /runs/{id}.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, registry.NewRunView(run))
}

// ListLogs handles GET /runs/{id}/logs, timestamp order.
func (h *RunHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.runs.ListLogs(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	views := make([]registry.RunLogView, len(logs))
	for i := range logs {
		views[i] = registry.NewRunLogView(&logs[i])
	}
	Ok(w, views)
}

// createRunLogRequest is the JSON body for POST /runs/{id}/logs.
type createRunLogRequest struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

// CreateLog handles POST /runs/{id}/logs: the HTTP fallback for agents
// reporting log lines outside the WebSocket channel.
func (h *RunHandler) CreateLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req createRunLogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}

	entry, err := h.runs.AppendLog(r.Context(), id, db.LogLevel(req.Level), req.Message, req.Payload)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Created(w, registry.NewRunLogView(entry))
}

// ListEvents handles GET /runs/{id}/events, timestamp order.
func (h *RunHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.runs.ListEvents(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	views := make([]registry.RunEventView, len(events))
	for i := range events {
		views[i] = registry.NewRunEventView(&events[i])
	}
	Ok(w, views)
}

// createRunEventRequest is the JSON body for POST /runs/{id}/events.
type createRunEventRequest struct {
	EventType  string          `json:"event_type"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload"`
	Screenshot *string         `json:"screenshot"`
}

// CreateEvent handles POST /runs/{id}/events.
func (h *RunHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req createRunEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" {
		ErrBadRequest(w, "event_type is required")
		return
	}

	evt, err := h.runs.AppendEvent(r.Context(), id, req.EventType, req.Message, req.Payload, req.Screenshot)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Created(w, registry.NewRunEventView(evt))
}

// setRunStatusRequest is the JSON body for POST /runs/{id}/status.
type setRunStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus handles POST /runs/{id}/status. Transitions go through the
// state machine; an illegal one is a 409. Cancelling an already
// terminal run returns the current state instead of conflicting, so
// repeated cancels are harmless. A terminal transition releases the
// bound agent and kicks the dispatcher.
func (h *RunHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req setRunStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := db.RunStatus(req.Status)

	if status == db.RunCancelled {
		current, err := h.runs.Get(r.Context(), id)
		if err != nil {
			writeErr(w, h.logger, err)
			return
		}
		if current.Status.Terminal() {
			Ok(w, registry.NewRunView(current))
			return
		}
	}

	run, err := h.runs.SetStatus(r.Context(), id, status)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	if run.Status.Terminal() && run.AgentID != nil {
		if err := h.agents.Release(r.Context(), *run.AgentID); err != nil {
			h.logger.Error("failed to release agent of finished run",
				zap.String("run_id", run.ID.String()),
				zap.String("agent_id", *run.AgentID),
				zap.Error(err),
			)
		}
		h.dispatcher.Kick()
	}
	Ok(w, registry.NewRunView(run))
}

func runViews(runs []db.Run) []registry.RunView {
	views := make([]registry.RunView, len(runs))
	for i := range runs {
		views[i] = registry.NewRunView(&runs[i])
	}
	return views
}
