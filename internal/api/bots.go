package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// BotHandler groups all bot-related HTTP handlers.
type BotHandler struct {
	bots       *registry.BotRegistry
	runs       *registry.RunRegistry
	agents     *registry.AgentRegistry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewBotHandler creates a new BotHandler.
func NewBotHandler(bots *registry.BotRegistry, runs *registry.RunRegistry, agents *registry.AgentRegistry, dispatcher Dispatcher, logger *zap.Logger) *BotHandler {
	return &BotHandler{
		bots:       bots,
		runs:       runs,
		agents:     agents,
		dispatcher: dispatcher,
		logger:     logger.Named("bot_handler"),
	}
}

// List handles GET /bots.
func (h *BotHandler) List(w http.ResponseWriter, r *http.Request) {
	bots, err := h.bots.List(r.Context(), paginationOpts(r))
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	views := make([]registry.BotView, len(bots))
	for i := range bots {
		views[i] = registry.NewBotView(&bots[i])
	}
	Ok(w, views)
}

// createBotRequest is the JSON body for POST /bots.
type createBotRequest struct {
	Name     string  `json:"name"`
	Script   string  `json:"script"`
	Schedule *string `json:"schedule"`
}

// Create handles POST /bots. A present schedule must be valid cron.
func (h *BotHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.Script == "" {
		ErrBadRequest(w, "script is required")
		return
	}

	bot, err := h.bots.Create(r.Context(), req.Name, req.Script, req.Schedule)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Created(w, registry.NewBotView(bot))
}

// GetByID handles GET /bots/{id}.
func (h *BotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	bot, err := h.bots.Get(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, registry.NewBotView(bot))
}

// updateBotRequest is the JSON body for PUT /bots/{id}. Omitted fields
// are left unchanged; an explicit empty schedule clears it.
type updateBotRequest struct {
	Name     *string `json:"name"`
	Script   *string `json:"script"`
	Schedule *string `json:"schedule"`
}

// Update handles PUT /bots/{id}.
func (h *BotHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateBotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	bot, err := h.bots.Update(r.Context(), id, registry.BotUpdate{
		Name:     req.Name,
		Script:   req.Script,
		Schedule: req.Schedule,
	})
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, registry.NewBotView(bot))
}

// Delete handles DELETE /bots/{id}. Historical runs survive the bot.
func (h *BotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.bots.Delete(r.Context(), id); err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, map[string]bool{"ok": true})
}

// ListRuns handles GET /bots/{id}/runs.
func (h *BotHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.bots.Get(r.Context(), id); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	runs, err := h.runs.ListByBot(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}
	Ok(w, runViews(runs))
}

// CreateRun handles POST /bots/{id}/runs: queue an immediate run. The
// dispatcher is kicked so an idle agent picks it up without waiting for
// the next tick.
func (h *BotHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.bots.Get(r.Context(), id); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	run, err := h.runs.Create(r.Context(), id)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	h.dispatcher.Kick()
	Created(w, map[string]string{"run_id": run.ID.String()})
}

// Stop handles POST /bots/{id}/stop: cancel the bot's in-flight run
// (starting or running) and return its agent to the pool. 404 when
// nothing is in flight.
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.bots.Get(r.Context(), id); err != nil {
		writeErr(w, h.logger, err)
		return
	}

	active, err := h.runs.ActiveByBot(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		errJSON(w, http.StatusNotFound, "bot has no active run", "not_found")
		return
	}
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	run, err := h.runs.SetStatus(r.Context(), active.ID, db.RunCancelled)
	if err != nil {
		writeErr(w, h.logger, err)
		return
	}

	if run.AgentID != nil {
		if err := h.agents.Release(r.Context(), *run.AgentID); err != nil {
			h.logger.Error("failed to release agent of cancelled run",
				zap.String("run_id", run.ID.String()),
				zap.String("agent_id", *run.AgentID),
				zap.Error(err),
			)
		}
		h.dispatcher.Kick()
	}
	Ok(w, registry.NewRunView(run))
}

// parseUUID extracts and parses the named URL parameter, writing a 404
// on malformed IDs. A string that cannot be a UUID can never name a
// stored entity.
func parseUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrNotFound(w)
		return uuid.Nil, false
	}
	return id, true
}
