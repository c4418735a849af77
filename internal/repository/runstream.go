package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet-io/botfleet/internal/db"
)

// gormRunEventRepository is the GORM implementation of RunEventRepository.
// Events are append-only; there is no update or delete path.
type gormRunEventRepository struct {
	db *gorm.DB
}

// NewRunEventRepository returns a RunEventRepository backed by the
// provided *gorm.DB.
func NewRunEventRepository(db *gorm.DB) RunEventRepository {
	return &gormRunEventRepository{db: db}
}

// Create appends a run event.
func (r *gormRunEventRepository) Create(ctx context.Context, event *db.RunEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("run_events: create: %w", err)
	}
	return nil
}

// ListByRun returns all events for a run ordered by timestamp ascending,
// so callers can replay the run's milestones in order.
func (r *gormRunEventRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error) {
	var events []db.RunEvent
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("run_events: list by run: %w", err)
	}
	return events, nil
}

// gormRunLogRepository is the GORM implementation of RunLogRepository.
type gormRunLogRepository struct {
	db *gorm.DB
}

// NewRunLogRepository returns a RunLogRepository backed by the provided
// *gorm.DB.
func NewRunLogRepository(db *gorm.DB) RunLogRepository {
	return &gormRunLogRepository{db: db}
}

// Create appends a run log line.
func (r *gormRunLogRepository) Create(ctx context.Context, log *db.RunLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("run_logs: create: %w", err)
	}
	return nil
}

// ListByRun returns all log lines for a run ordered by timestamp ascending.
func (r *gormRunLogRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]db.RunLog, error) {
	var logs []db.RunLog
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("run_logs: list by run: %w", err)
	}
	return logs, nil
}
