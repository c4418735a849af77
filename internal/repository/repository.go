// Package repository provides persistent CRUD over bots, agents, runs,
// run events and run logs, plus the secondary-index queries and atomic
// field updates the control plane relies on. All implementations are
// backed by GORM; callers depend only on the interfaces so tests can swap
// in an in-memory SQLite store.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/botfleet-io/botfleet/internal/db"
)

// ListOptions contains common pagination options for list queries.
// A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// BotRepository
// -----------------------------------------------------------------------------

type BotRepository interface {
	Create(ctx context.Context, bot *db.Bot) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Bot, error)
	Update(ctx context.Context, bot *db.Bot) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Bot, error)

	// ListScheduled returns all bots with a non-null schedule.
	// Used by the scheduler on every tick.
	ListScheduled(ctx context.Context) ([]db.Bot, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	// Upsert inserts the agent or, if an agent with the same agent_id
	// exists, overwrites its mutable fields. Registration semantics.
	Upsert(ctx context.Context, agent *db.Agent) error

	GetByID(ctx context.Context, agentID string) (*db.Agent, error)
	List(ctx context.Context) ([]db.Agent, error)

	// ListAvailable returns agents with status "available" whose
	// last_heartbeat is strictly newer than cutoff.
	ListAvailable(ctx context.Context, cutoff time.Time) ([]db.Agent, error)

	// UpdateStatus unconditionally sets the status column.
	UpdateStatus(ctx context.Context, agentID string, status db.AgentStatus) error

	// UpdateHeartbeat atomically advances last_heartbeat to at (never
	// backwards) and applies the OFFLINE→AVAILABLE promotion in the same
	// statement. Returns the refreshed row.
	UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) (*db.Agent, error)

	// AcquireAvailable atomically claims one available, live agent by
	// flipping its status to "busy". The compare-and-swap on the status
	// column guarantees two concurrent callers never claim the same agent.
	// Returns ErrNotFound when no candidate exists.
	AcquireAvailable(ctx context.Context, cutoff time.Time) (*db.Agent, error)

	// CompareAndSwapStatus sets status to "to" only if it currently equals
	// "from". Reports whether the swap happened.
	CompareAndSwapStatus(ctx context.Context, agentID string, from, to db.AgentStatus) (bool, error)

	// MarkStaleOffline flips every non-offline agent whose last_heartbeat
	// is older than cutoff to "offline" and returns the affected agents.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

// RunUpdate is a partial update applied atomically to a run row. Nil
// fields are left untouched. ClearAgent removes the agent binding, which
// a nil AgentID alone cannot express.
type RunUpdate struct {
	Status     *db.RunStatus
	AgentID    *string
	StartTime  *time.Time
	EndTime    *time.Time
	ClearAgent bool
}

type RunRepository interface {
	Create(ctx context.Context, run *db.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error)
	Update(ctx context.Context, id uuid.UUID, upd RunUpdate) (*db.Run, error)
	List(ctx context.Context, opts ListOptions) ([]db.Run, error)
	ListByBot(ctx context.Context, botID uuid.UUID) ([]db.Run, error)
	ListByAgent(ctx context.Context, agentID string) ([]db.Run, error)
	ListByStatus(ctx context.Context, status db.RunStatus) ([]db.Run, error)

	// FindScheduledAt returns the SCHEDULED run for (botID, startTime), or
	// ErrNotFound. The scheduler's duplicate guard.
	FindScheduledAt(ctx context.Context, botID uuid.UUID, startTime time.Time) (*db.Run, error)

	// ListScheduledDue returns SCHEDULED runs with start_time <= now,
	// ordered by start_time then id.
	ListScheduledDue(ctx context.Context, now time.Time) ([]db.Run, error)

	// ListQueued returns QUEUED runs ordered by start_time ascending with
	// ties broken by id, the dispatch order.
	ListQueued(ctx context.Context) ([]db.Run, error)

	// ListStuck returns STARTING/RUNNING runs whose start_time is older
	// than cutoff. The janitor's stuck-run sweep.
	ListStuck(ctx context.Context, cutoff time.Time) ([]db.Run, error)

	// FindActiveByBot returns the bot's in-flight run (STARTING or
	// RUNNING), or ErrNotFound.
	FindActiveByBot(ctx context.Context, botID uuid.UUID) (*db.Run, error)
}

// -----------------------------------------------------------------------------
// RunEventRepository / RunLogRepository
// -----------------------------------------------------------------------------

type RunEventRepository interface {
	Create(ctx context.Context, event *db.RunEvent) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error)
}

type RunLogRepository interface {
	Create(ctx context.Context, log *db.RunLog) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]db.RunLog, error)
}
