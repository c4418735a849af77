package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// AgentRegistry tracks agent identity, capabilities, liveness and status,
// and computes the set of agents eligible for dispatch.
//
// Liveness policy: an agent is live iff now − last_heartbeat ≤ 2×interval.
// The janitor demotes agents whose silence exceeds 5×interval to offline;
// that looser cutoff only affects the stored status and never relaxes the
// 2×interval availability check.
type AgentRegistry struct {
	agents   repository.AgentRepository
	bus      *eventbus.Bus
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewAgentRegistry creates an AgentRegistry. heartbeatInterval is the
// expected time between agent heartbeats (default 10s, from config).
func NewAgentRegistry(
	agents repository.AgentRepository,
	bus *eventbus.Bus,
	clk clock.Clock,
	heartbeatInterval time.Duration,
	logger *zap.Logger,
) *AgentRegistry {
	return &AgentRegistry{
		agents:   agents,
		bus:      bus,
		clock:    clk,
		interval: heartbeatInterval,
		logger:   logger.Named("agents"),
	}
}

// HeartbeatInterval returns the configured heartbeat interval. The
// janitor derives its stale cutoff from it.
func (r *AgentRegistry) HeartbeatInterval() time.Duration { return r.interval }

// liveCutoff is the oldest heartbeat an agent may have and still count as
// live for dispatch.
func (r *AgentRegistry) liveCutoff() time.Time {
	return r.clock.Now().Add(-2 * r.interval)
}

// Register upserts an agent by its client-chosen ID and stamps
// last_heartbeat with the current time. Re-registration after an agent
// restart overwrites the previous record. Emits agent.updated.
func (r *AgentRegistry) Register(ctx context.Context, agentID string, status db.AgentStatus, resources json.RawMessage, publicURL string) (*db.Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res := "{}"
	if len(resources) > 0 && json.Valid(resources) {
		res = string(resources)
	}

	now := r.clock.Now()
	agent := &db.Agent{
		AgentID:       agentID,
		Status:        status,
		Resources:     res,
		PublicURL:     publicURL,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.agents.Upsert(ctx, agent); err != nil {
		return nil, err
	}

	stored, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)),
		zap.String("public_url", publicURL),
	)
	r.publishUpdated(stored)
	return stored, nil
}

// Heartbeat advances the agent's last_heartbeat to now. An offline agent
// is promoted back to available; any other status is preserved. Fails
// with repository.ErrNotFound for unknown agents.
func (r *AgentRegistry) Heartbeat(ctx context.Context, agentID string) (*db.Agent, error) {
	agent, err := r.agents.UpdateHeartbeat(ctx, agentID, r.clock.Now())
	if err != nil {
		return nil, err
	}
	r.publishUpdated(agent)
	return agent, nil
}

// SetStatus unconditionally assigns the agent's status. Emits
// agent.updated.
func (r *AgentRegistry) SetStatus(ctx context.Context, agentID string, status db.AgentStatus) (*db.Agent, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := r.agents.UpdateStatus(ctx, agentID, status); err != nil {
		return nil, err
	}
	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	r.publishUpdated(agent)
	return agent, nil
}

// Get returns the agent with the given ID.
func (r *AgentRegistry) Get(ctx context.Context, agentID string) (*db.Agent, error) {
	return r.agents.GetByID(ctx, agentID)
}

// List returns all agents, offline ones included.
func (r *AgentRegistry) List(ctx context.Context) ([]db.Agent, error) {
	return r.agents.List(ctx)
}

// ListAvailable returns the agents eligible for dispatch: status
// available and a heartbeat within the last 2×interval.
func (r *AgentRegistry) ListAvailable(ctx context.Context) ([]db.Agent, error) {
	return r.agents.ListAvailable(ctx, r.liveCutoff())
}

// AcquireOne atomically claims one available live agent, flipping it to
// busy. The store-level compare-and-swap makes the claim linearizable:
// two concurrent callers never receive the same agent. Returns
// repository.ErrNotFound when no agent is eligible.
func (r *AgentRegistry) AcquireOne(ctx context.Context) (*db.Agent, error) {
	agent, err := r.agents.AcquireAvailable(ctx, r.liveCutoff())
	if err != nil {
		return nil, err
	}
	r.logger.Debug("agent acquired", zap.String("agent_id", agent.AgentID))
	r.publishUpdated(agent)
	return agent, nil
}

// Release returns a busy agent to the available pool. Idempotent: an
// agent in any other state (stopped, offline, already available) is left
// untouched, so a release racing a janitor demotion cannot resurrect an
// offline agent.
func (r *AgentRegistry) Release(ctx context.Context, agentID string) error {
	swapped, err := r.agents.CompareAndSwapStatus(ctx, agentID, db.AgentBusy, db.AgentAvailable)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	r.logger.Debug("agent released", zap.String("agent_id", agentID))
	r.publishUpdated(agent)
	return nil
}

// PublishLog fans an agent console line out to observers. Agent logs are
// not persisted — they exist only on the stream.
func (r *AgentRegistry) PublishLog(agentID, message string) {
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type: eventbus.EvtAgentLogCreated,
		Payload: map[string]any{
			"agent_id":  agentID,
			"message":   message,
			"timestamp": r.clock.Now(),
		},
	})
}

// NotifyUpdated publishes agent.updated for an agent mutated outside the
// registry (the janitor's bulk demotion).
func (r *AgentRegistry) NotifyUpdated(agent *db.Agent) {
	r.publishUpdated(agent)
}

func (r *AgentRegistry) publishUpdated(agent *db.Agent) {
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventbus.EvtAgentUpdated,
		Payload: NewAgentView(agent),
	})
}
