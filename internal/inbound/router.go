// Package inbound decodes frames arriving from agents over the
// WebSocket channel and applies them to the registries. Every frame is
// a JSON object with a "type" discriminator; unknown types and frames
// that fail to decode are logged and dropped. A misbehaving agent can
// waste bandwidth but never crash the control plane.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/registry"
)

// Frame types agents may send.
const (
	TypeAgentHeartbeat = "agent.heartbeat"
	TypeAgentStatus    = "agent.status"
	TypeAgentLog       = "agent.log"
	TypeRunEvent       = "run.event"
	TypeRunLog         = "run.log"
	TypeRunStatus      = "run.status"
)

// Router applies agent frames to the registries. Frames are independent
// and idempotent, so replays after a reconnect are harmless.
type Router struct {
	agents *registry.AgentRegistry
	runs   *registry.RunRegistry
	logger *zap.Logger

	// onRunTerminal fires after a run reaches a terminal state via a
	// run.status frame, once its agent has been released. The server
	// wires this to the dispatcher's Kick so a freed agent is reused
	// immediately.
	onRunTerminal func()
}

// NewRouter creates a Router. onRunTerminal may be nil.
func NewRouter(
	agents *registry.AgentRegistry,
	runs *registry.RunRegistry,
	onRunTerminal func(),
	logger *zap.Logger,
) *Router {
	return &Router{
		agents:        agents,
		runs:          runs,
		onRunTerminal: onRunTerminal,
		logger:        logger.Named("inbound"),
	}
}

type envelope struct {
	Type string `json:"type"`
}

type agentHeartbeatFrame struct {
	AgentID string `json:"agent_id"`
}

type agentStatusFrame struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type agentLogFrame struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type runEventFrame struct {
	RunID      uuid.UUID       `json:"run_id"`
	EventType  string          `json:"event_type"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload"`
	Screenshot *string         `json:"screenshot"`
}

type runLogFrame struct {
	RunID   uuid.UUID       `json:"run_id"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

type runStatusFrame struct {
	RunID  uuid.UUID `json:"run_id"`
	Status string    `json:"status"`
}

// Handle decodes and applies one frame. Errors are logged and swallowed;
// the connection that delivered a bad frame stays up.
func (r *Router) Handle(ctx context.Context, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	var err error
	switch env.Type {
	case TypeAgentHeartbeat:
		err = r.handleAgentHeartbeat(ctx, raw)
	case TypeAgentStatus:
		err = r.handleAgentStatus(ctx, raw)
	case TypeAgentLog:
		err = r.handleAgentLog(raw)
	case TypeRunEvent:
		err = r.handleRunEvent(ctx, raw)
	case TypeRunLog:
		err = r.handleRunLog(ctx, raw)
	case TypeRunStatus:
		err = r.handleRunStatus(ctx, raw)
	default:
		r.logger.Warn("dropping frame of unknown type", zap.String("type", env.Type))
		return
	}

	if err != nil {
		r.logger.Warn("failed to apply frame",
			zap.String("type", env.Type),
			zap.Error(err),
		)
	}
}

func (r *Router) handleAgentHeartbeat(ctx context.Context, raw []byte) error {
	var f agentHeartbeatFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.AgentID == "" {
		return fmt.Errorf("agent.heartbeat: missing agent_id")
	}
	_, err := r.agents.Heartbeat(ctx, f.AgentID)
	return err
}

func (r *Router) handleAgentStatus(ctx context.Context, raw []byte) error {
	var f agentStatusFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.AgentID == "" {
		return fmt.Errorf("agent.status: missing agent_id")
	}
	_, err := r.agents.SetStatus(ctx, f.AgentID, db.AgentStatus(f.Status))
	return err
}

func (r *Router) handleAgentLog(raw []byte) error {
	var f agentLogFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.AgentID == "" {
		return fmt.Errorf("agent.log: missing agent_id")
	}
	r.agents.PublishLog(f.AgentID, f.Message)
	return nil
}

func (r *Router) handleRunEvent(ctx context.Context, raw []byte) error {
	var f runEventFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.RunID == uuid.Nil {
		return fmt.Errorf("run.event: missing run_id")
	}
	_, err := r.runs.AppendEvent(ctx, f.RunID, f.EventType, f.Message, f.Payload, f.Screenshot)
	return err
}

func (r *Router) handleRunLog(ctx context.Context, raw []byte) error {
	var f runLogFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.RunID == uuid.Nil {
		return fmt.Errorf("run.log: missing run_id")
	}
	_, err := r.runs.AppendLog(ctx, f.RunID, db.LogLevel(f.Level), f.Message, f.Payload)
	return err
}

// handleRunStatus applies an agent-reported run transition. When the
// run lands in a terminal state its agent goes back to the pool and the
// dispatcher gets a kick.
func (r *Router) handleRunStatus(ctx context.Context, raw []byte) error {
	var f runStatusFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.RunID == uuid.Nil {
		return fmt.Errorf("run.status: missing run_id")
	}

	current, err := r.runs.Get(ctx, f.RunID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		// Replayed report after a reconnect; the release already happened.
		return nil
	}

	run, err := r.runs.SetStatus(ctx, f.RunID, db.RunStatus(f.Status))
	if err != nil {
		return err
	}

	if run.Status.Terminal() && run.AgentID != nil {
		if err := r.agents.Release(ctx, *run.AgentID); err != nil {
			return fmt.Errorf("release agent %s: %w", *run.AgentID, err)
		}
		if r.onRunTerminal != nil {
			r.onRunTerminal()
		}
	}
	return nil
}
