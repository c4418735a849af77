package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunStatus is the lifecycle state of a run. Transitions are validated by
// the run registry; the database stores the lowercase string form.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunScheduled RunStatus = "scheduled"
	RunStarting  RunStatus = "starting"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a final state. Terminal runs always have
// end_time set.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunError || s == RunCancelled
}

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunQueued, RunScheduled, RunStarting, RunRunning,
		RunCompleted, RunError, RunCancelled:
		return true
	}
	return false
}

// AgentStatus is the availability state of a worker agent.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentStopped   AgentStatus = "stopped"
	AgentOffline   AgentStatus = "offline"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentStopped, AgentOffline:
		return true
	}
	return false
}

// LogLevel is the severity of a run log line. Uppercase on the wire and in
// the database, mirroring the levels agents report.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// Valid reports whether l is one of the known log levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Base contains the common fields shared by all UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Bots
// -----------------------------------------------------------------------------

// Bot is a named unit of browser automation. Script is a symbolic identifier
// the agent side resolves to a runnable module, not a filesystem path.
// Schedule, when non-nil, is a five-field cron expression validated at write
// time by the bot registry. Deleting a bot does not cascade to its runs —
// historical runs stay queryable.
type Bot struct {
	Base
	Name     string  `gorm:"not null"`
	Script   string  `gorm:"not null"`
	Schedule *string `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a worker process registered with the orchestrator. The primary
// key is the client-chosen AgentID — registration is an upsert on it.
// Agents are never deleted; offline agents remain queryable.
//
// Resources is an opaque JSON object reported by the agent (CPU count,
// memory, installed browsers). The orchestrator stores and echoes it
// without interpreting individual keys.
type Agent struct {
	AgentID       string      `gorm:"primaryKey"`
	Status        AgentStatus `gorm:"not null;default:'offline';index"`
	Resources     string      `gorm:"type:text;not null;default:'{}'"`
	PublicURL     string      `gorm:"not null;default:''"`
	LastHeartbeat time.Time   `gorm:"not null;index"`
	CreatedAt     time.Time   `gorm:"not null"`
	UpdatedAt     time.Time   `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// Run is a single execution attempt of a bot. AgentID is nil until the
// dispatcher binds an agent. For directly queued runs StartTime is the
// creation time; for scheduled runs it is the future cron firing. EndTime
// is set exactly when the run enters a terminal state.
type Run struct {
	Base
	BotID     uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   *string   `gorm:"index"`
	Status    RunStatus `gorm:"not null;default:'queued';index"`
	StartTime *time.Time
	EndTime   *time.Time
}

// -----------------------------------------------------------------------------
// Run events & logs
// -----------------------------------------------------------------------------

// RunEvent is a semantic milestone emitted by an executing bot (step
// started, error, screenshot) or by the orchestrator itself on state
// transitions. Append-only. Screenshot, when present, is a base64-encoded
// PNG and can be large — it is stored as-is and never decoded server-side.
type RunEvent struct {
	Base
	RunID      uuid.UUID `gorm:"type:text;not null;index"`
	EventType  string    `gorm:"not null"`
	Message    string    `gorm:"type:text;not null"`
	Payload    *string   `gorm:"type:text"`
	Screenshot *string   `gorm:"type:text"`
	Timestamp  time.Time `gorm:"not null;index"`
}

// RunLog is a leveled log line streamed from an executing bot. Append-only.
type RunLog struct {
	Base
	RunID     uuid.UUID `gorm:"type:text;not null;index"`
	Level     LogLevel  `gorm:"not null"`
	Message   string    `gorm:"type:text;not null"`
	Payload   *string   `gorm:"type:text"`
	Timestamp time.Time `gorm:"not null;index"`
}
