package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/inbound"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/websocket"
)

// Dispatcher is the slice of the dispatch loop the API needs: a way to
// request an immediate pass after a mutation that may unblock the
// queue.
type Dispatcher interface {
	Kick()
}

// RouterConfig holds the dependencies needed to build the HTTP router.
// Populated in main.go after all components are initialized.
type RouterConfig struct {
	Bots   *registry.BotRegistry
	Agents *registry.AgentRegistry
	Runs   *registry.RunRegistry

	Dispatcher Dispatcher
	Hub        *websocket.Hub
	Inbound    *inbound.Router

	// DB backs the health endpoint's ping.
	DB *gorm.DB

	// Metrics serves GET /metrics. Nil disables the route.
	Metrics http.Handler

	Logger *zap.Logger
}

// NewRouter builds the fully configured Chi router. All resources are
// served at the root path.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Agents, cfg.Runs, cfg.Dispatcher, cfg.Logger)
	botHandler := NewBotHandler(cfg.Bots, cfg.Runs, cfg.Agents, cfg.Dispatcher, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Agents, cfg.Dispatcher, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Inbound, cfg.Logger)

	// Agents
	r.Get("/agents", agentHandler.List)
	r.Post("/agents/register", agentHandler.Register)
	r.Get("/agents/available", agentHandler.ListAvailable)
	r.Get("/agents/{id}", agentHandler.GetByID)
	r.Get("/agents/{id}/runs", agentHandler.ListRuns)
	r.Post("/agents/{id}/heartbeat", agentHandler.Heartbeat)
	r.Post("/agents/{id}/status", agentHandler.SetStatus)

	// Bots
	r.Get("/bots", botHandler.List)
	r.Post("/bots", botHandler.Create)
	r.Get("/bots/{id}", botHandler.GetByID)
	r.Put("/bots/{id}", botHandler.Update)
	r.Delete("/bots/{id}", botHandler.Delete)
	r.Get("/bots/{id}/runs", botHandler.ListRuns)
	r.Post("/bots/{id}/runs", botHandler.CreateRun)
	r.Post("/bots/{id}/stop", botHandler.Stop)

	// Runs
	r.Get("/runs", runHandler.List)
	r.Get("/runs/{id}", runHandler.GetByID)
	r.Get("/runs/{id}/logs", runHandler.ListLogs)
	r.Post("/runs/{id}/logs", runHandler.CreateLog)
	r.Get("/runs/{id}/events", runHandler.ListEvents)
	r.Post("/runs/{id}/events", runHandler.CreateEvent)
	r.Post("/runs/{id}/status", runHandler.SetStatus)

	// Event stream
	r.Get("/ws/ui", wsHandler.Observer)
	r.Get("/ws/agent", wsHandler.Agent)

	// Operational endpoints
	r.Get("/healthz", healthz(cfg.DB))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}

// healthz reports liveness: 200 while the database answers a ping.
func healthz(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if database != nil {
			if err := db.Ping(ctx, database); err != nil {
				JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded"})
				return
			}
		}
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	}
}
