// Package registry implements the control-plane registries: agents
// (identity, liveness, availability), runs (the lifecycle state machine)
// and bots (definitions with validated cron schedules). Every mutation
// persists to the repository first and then publishes a change
// notification on the event bus, so observers and internal subscribers
// converge on stored state.
package registry

import (
	"encoding/json"
	"time"

	"github.com/botfleet-io/botfleet/internal/db"
)

// AgentView is the wire representation of an agent, used both in API
// responses and event-bus payloads.
type AgentView struct {
	AgentID       string          `json:"agent_id"`
	Status        db.AgentStatus  `json:"status"`
	Resources     json.RawMessage `json:"resources"`
	PublicURL     string          `json:"public_url"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// NewAgentView converts a stored agent to its wire shape. A resources
// column that fails to parse as JSON is surfaced as an empty object
// rather than propagating a decode error to every listing.
func NewAgentView(a *db.Agent) AgentView {
	res := json.RawMessage(a.Resources)
	if !json.Valid(res) {
		res = json.RawMessage("{}")
	}
	return AgentView{
		AgentID:       a.AgentID,
		Status:        a.Status,
		Resources:     res,
		PublicURL:     a.PublicURL,
		LastHeartbeat: a.LastHeartbeat.UTC(),
	}
}

// BotView is the wire representation of a bot.
type BotView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Script    string    `json:"script"`
	Schedule  *string   `json:"schedule"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBotView converts a stored bot to its wire shape.
func NewBotView(b *db.Bot) BotView {
	return BotView{
		ID:        b.ID.String(),
		Name:      b.Name,
		Script:    b.Script,
		Schedule:  b.Schedule,
		CreatedAt: b.CreatedAt.UTC(),
	}
}

// RunView is the wire representation of a run.
type RunView struct {
	ID        string       `json:"id"`
	BotID     string       `json:"bot_id"`
	AgentID   *string      `json:"agent_id"`
	Status    db.RunStatus `json:"status"`
	StartTime *time.Time   `json:"start_time"`
	EndTime   *time.Time   `json:"end_time"`
}

// NewRunView converts a stored run to its wire shape.
func NewRunView(r *db.Run) RunView {
	v := RunView{
		ID:      r.ID.String(),
		BotID:   r.BotID.String(),
		AgentID: r.AgentID,
		Status:  r.Status,
	}
	if r.StartTime != nil {
		t := r.StartTime.UTC()
		v.StartTime = &t
	}
	if r.EndTime != nil {
		t := r.EndTime.UTC()
		v.EndTime = &t
	}
	return v
}

// RunEventView is the wire representation of a run event.
type RunEventView struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	EventType  string          `json:"event_type"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Screenshot *string         `json:"screenshot,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewRunEventView converts a stored run event to its wire shape.
func NewRunEventView(e *db.RunEvent) RunEventView {
	v := RunEventView{
		ID:         e.ID.String(),
		RunID:      e.RunID.String(),
		EventType:  e.EventType,
		Message:    e.Message,
		Screenshot: e.Screenshot,
		Timestamp:  e.Timestamp.UTC(),
	}
	if e.Payload != nil && json.Valid(json.RawMessage(*e.Payload)) {
		v.Payload = json.RawMessage(*e.Payload)
	}
	return v
}

// RunLogView is the wire representation of a run log line.
type RunLogView struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Level     db.LogLevel     `json:"level"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRunLogView converts a stored run log to its wire shape.
func NewRunLogView(l *db.RunLog) RunLogView {
	v := RunLogView{
		ID:        l.ID.String(),
		RunID:     l.RunID.String(),
		Level:     l.Level,
		Message:   l.Message,
		Timestamp: l.Timestamp.UTC(),
	}
	if l.Payload != nil && json.Valid(json.RawMessage(*l.Payload)) {
		v.Payload = json.RawMessage(*l.Payload)
	}
	return v
}
