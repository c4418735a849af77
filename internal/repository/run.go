package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet-io/botfleet/internal/db"
)

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

// Create inserts a new run record into the database.
func (r *gormRunRepository) Create(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// Update applies a partial update to a run row in a single UPDATE and
// returns the refreshed record. Only columns named in upd are written,
// so concurrent writers to disjoint fields cannot clobber each other.
func (r *gormRunRepository) Update(ctx context.Context, id uuid.UUID, upd RunUpdate) (*db.Run, error) {
	fields := map[string]interface{}{}
	if upd.Status != nil {
		fields["status"] = *upd.Status
	}
	if upd.AgentID != nil {
		fields["agent_id"] = *upd.AgentID
	}
	if upd.ClearAgent {
		fields["agent_id"] = nil
	}
	if upd.StartTime != nil {
		fields["start_time"] = *upd.StartTime
	}
	if upd.EndTime != nil {
		fields["end_time"] = *upd.EndTime
	}
	if len(fields) == 0 {
		return r.GetByID(ctx, id)
	}

	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return nil, fmt.Errorf("runs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}

	return r.GetByID(ctx, id)
}

// List returns runs ordered by creation time descending (most recent
// first).
func (r *gormRunRepository) List(ctx context.Context, opts ListOptions) ([]db.Run, error) {
	var runs []db.Run
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	return runs, nil
}

// ListByBot returns all runs for a bot, most recent first. The bot itself
// may already be deleted — historical runs survive their bot.
func (r *gormRunRepository) ListByBot(ctx context.Context, botID uuid.UUID) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by bot: %w", err)
	}
	return runs, nil
}

// ListByAgent returns all runs ever bound to an agent, most recent first.
func (r *gormRunRepository) ListByAgent(ctx context.Context, agentID string) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by agent: %w", err)
	}
	return runs, nil
}

// ListByStatus returns all runs currently in the given status.
func (r *gormRunRepository) ListByStatus(ctx context.Context, status db.RunStatus) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list by status: %w", err)
	}
	return runs, nil
}

// FindScheduledAt returns the SCHEDULED run for the exact (bot, firing
// time) pair. The scheduler's duplicate guard: at most one scheduled run
// is materialized per cron firing.
func (r *gormRunRepository) FindScheduledAt(ctx context.Context, botID uuid.UUID, startTime time.Time) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND start_time = ?", botID, db.RunScheduled, startTime).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: find scheduled at: %w", err)
	}
	return &run, nil
}

// ListScheduledDue returns SCHEDULED runs whose firing time has passed,
// in firing order.
func (r *gormRunRepository) ListScheduledDue(ctx context.Context, now time.Time) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status = ? AND start_time <= ?", db.RunScheduled, now).
		Order("start_time ASC, id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list scheduled due: %w", err)
	}
	return runs, nil
}

// ListQueued returns QUEUED runs in dispatch order: FIFO over scheduled
// time, ties broken by id lexicographically for determinism.
func (r *gormRunRepository) ListQueued(ctx context.Context) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status = ?", db.RunQueued).
		Order("start_time ASC, id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list queued: %w", err)
	}
	return runs, nil
}

// ListStuck returns STARTING/RUNNING runs that started before cutoff.
func (r *gormRunRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]db.Run, error) {
	var runs []db.Run
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND start_time < ?",
			[]db.RunStatus{db.RunStarting, db.RunRunning}, cutoff).
		Order("start_time ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("runs: list stuck: %w", err)
	}
	return runs, nil
}

// FindActiveByBot returns the bot's in-flight run — STARTING or RUNNING —
// or ErrNotFound. A run holds its agent from STARTING onward, so both
// states are stoppable.
func (r *gormRunRepository) FindActiveByBot(ctx context.Context, botID uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND status IN ?",
			botID, []db.RunStatus{db.RunStarting, db.RunRunning}).
		Order("start_time ASC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: find active by bot: %w", err)
	}
	return &run, nil
}
