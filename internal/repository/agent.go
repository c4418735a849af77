package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/botfleet-io/botfleet/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided
// *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Upsert inserts the agent or overwrites the mutable columns of an
// existing row with the same agent_id. Registration is idempotent: an
// agent re-registering after a restart replaces its previous record.
func (r *gormAgentRepository) Upsert(ctx context.Context, agent *db.Agent) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "resources", "public_url", "last_heartbeat", "updated_at",
			}),
		}).
		Create(agent).Error
	if err != nil {
		return fmt.Errorf("agents: upsert: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its client-chosen ID.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, agentID string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "agent_id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// List returns all agents, including offline ones, ordered by agent_id.
func (r *gormAgentRepository) List(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Order("agent_id ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// ListAvailable returns agents with status "available" whose heartbeat is
// strictly newer than cutoff. The heartbeat-age predicate is the
// authoritative liveness test — the janitor's stale sweep never relaxes it.
func (r *gormAgentRepository) ListAvailable(ctx context.Context, cutoff time.Time) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat > ?", db.AgentAvailable, cutoff).
		Order("agent_id ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list available: %w", err)
	}
	return agents, nil
}

// UpdateStatus unconditionally sets the status column of an agent.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, agentID string, status db.AgentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ?", agentID).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat advances last_heartbeat to at and promotes an OFFLINE
// agent back to AVAILABLE in the same statement. The WHERE guard on
// last_heartbeat keeps the column monotonically non-decreasing even when
// delayed heartbeats arrive out of order.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, agentID string, at time.Time) (*db.Agent, error) {
	// Ensure the agent exists before the guarded update — a stale
	// heartbeat for a known agent is a no-op, not a NotFound.
	if _, err := r.GetByID(ctx, agentID); err != nil {
		return nil, err
	}

	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ? AND last_heartbeat <= ?", agentID, at).
		Updates(map[string]interface{}{
			"last_heartbeat": at,
			"status": gorm.Expr(
				"CASE WHEN status = ? THEN ? ELSE status END",
				db.AgentOffline, db.AgentAvailable,
			),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("agents: update heartbeat: %w", result.Error)
	}

	return r.GetByID(ctx, agentID)
}

// AcquireAvailable claims one available, live agent by flipping it to
// "busy". The single UPDATE with the status predicate in the WHERE clause
// is the linearization point: of two concurrent callers racing for the
// same agent, exactly one observes RowsAffected == 1.
func (r *gormAgentRepository) AcquireAvailable(ctx context.Context, cutoff time.Time) (*db.Agent, error) {
	candidates, err := r.ListAvailable(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		ok, err := r.CompareAndSwapStatus(ctx, candidates[i].AgentID, db.AgentAvailable, db.AgentBusy)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates[i].Status = db.AgentBusy
			return &candidates[i], nil
		}
		// Lost the race for this candidate — try the next one.
	}
	return nil, ErrNotFound
}

// CompareAndSwapStatus sets status to "to" only when it currently equals
// "from". Reports whether the swap happened. ErrNotFound is not
// distinguished from a lost race — both report false.
func (r *gormAgentRepository) CompareAndSwapStatus(ctx context.Context, agentID string, from, to db.AgentStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id = ? AND status = ?", agentID, from).
		Update("status", to)
	if result.Error != nil {
		return false, fmt.Errorf("agents: cas status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkStaleOffline demotes every non-offline agent whose heartbeat is
// older than cutoff and returns the affected rows so the caller can emit
// per-agent change notifications.
func (r *gormAgentRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]db.Agent, error) {
	var stale []db.Agent
	if err := r.db.WithContext(ctx).
		Where("last_heartbeat < ? AND status <> ?", cutoff, db.AgentOffline).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("agents: find stale: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, len(stale))
	for i := range stale {
		ids[i] = stale[i].AgentID
	}

	if err := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("agent_id IN ?", ids).
		Update("status", db.AgentOffline).Error; err != nil {
		return nil, fmt.Errorf("agents: mark stale offline: %w", err)
	}

	for i := range stale {
		stale[i].Status = db.AgentOffline
	}
	return stale, nil
}
