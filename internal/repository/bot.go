package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/botfleet-io/botfleet/internal/db"
)

// gormBotRepository is the GORM implementation of BotRepository.
type gormBotRepository struct {
	db *gorm.DB
}

// NewBotRepository returns a BotRepository backed by the provided *gorm.DB.
func NewBotRepository(db *gorm.DB) BotRepository {
	return &gormBotRepository{db: db}
}

// Create inserts a new bot record into the database.
func (r *gormBotRepository) Create(ctx context.Context, bot *db.Bot) error {
	if err := r.db.WithContext(ctx).Create(bot).Error; err != nil {
		return fmt.Errorf("bots: create: %w", err)
	}
	return nil
}

// GetByID retrieves a bot by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormBotRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Bot, error) {
	var bot db.Bot
	err := r.db.WithContext(ctx).First(&bot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("bots: get by id: %w", err)
	}
	return &bot, nil
}

// Update persists all fields of an existing bot record. Save writes every
// column, including a nil schedule — clearing a schedule is a valid update.
func (r *gormBotRepository) Update(ctx context.Context, bot *db.Bot) error {
	result := r.db.WithContext(ctx).Save(bot)
	if result.Error != nil {
		return fmt.Errorf("bots: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the bot record. Runs referencing the bot are untouched —
// historical runs remain queryable after the bot is gone.
func (r *gormBotRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Bot{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("bots: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns bots ordered by creation time ascending.
func (r *gormBotRepository) List(ctx context.Context, opts ListOptions) ([]db.Bot, error) {
	var bots []db.Bot
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("bots: list: %w", err)
	}
	return bots, nil
}

// ListScheduled returns all bots carrying a cron schedule. The scheduler
// walks this set on every tick.
func (r *gormBotRepository) ListScheduled(ctx context.Context) ([]db.Bot, error) {
	var bots []db.Bot
	if err := r.db.WithContext(ctx).
		Where("schedule IS NOT NULL AND schedule <> ''").
		Order("created_at ASC").
		Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("bots: list scheduled: %w", err)
	}
	return bots, nil
}
