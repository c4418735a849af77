package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// cronParser accepts standard five-field cron expressions (minute, hour,
// day-of-month, month, day-of-week). The same parser validates schedules
// at write time and computes firings in the scheduler, so an accepted
// schedule is always computable.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron reports whether expr parses as a five-field cron
// expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// NextFire computes the first firing of expr strictly after the given
// time. Errors if expr is not a valid five-field cron expression.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched.Next(after.UTC()).UTC(), nil
}

// BotUpdate is a partial update to a bot definition. Nil fields are left
// untouched; ClearSchedule removes the schedule, which a nil Schedule
// alone cannot express.
type BotUpdate struct {
	Name          *string
	Script        *string
	Schedule      *string
	ClearSchedule bool
}

// BotRegistry provides CRUD over bot definitions with cron validation at
// the write boundary. Deleting a bot keeps its historical runs.
type BotRegistry struct {
	bots   repository.BotRepository
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *zap.Logger
}

// NewBotRegistry creates a BotRegistry.
func NewBotRegistry(
	bots repository.BotRepository,
	bus *eventbus.Bus,
	clk clock.Clock,
	logger *zap.Logger,
) *BotRegistry {
	return &BotRegistry{
		bots:   bots,
		bus:    bus,
		clock:  clk,
		logger: logger.Named("bots"),
	}
}

// Create registers a new bot. A present schedule must parse as cron.
// Emits bot.created.
func (r *BotRegistry) Create(ctx context.Context, name, script string, schedule *string) (*db.Bot, error) {
	if schedule != nil && *schedule != "" {
		if err := ValidateCron(*schedule); err != nil {
			return nil, err
		}
	}
	if schedule != nil && *schedule == "" {
		schedule = nil
	}

	bot := &db.Bot{
		Name:     name,
		Script:   script,
		Schedule: schedule,
	}
	if err := r.bots.Create(ctx, bot); err != nil {
		return nil, err
	}

	r.logger.Info("bot created",
		zap.String("bot_id", bot.ID.String()),
		zap.String("name", name),
		zap.String("script", script),
	)
	r.publish(eventbus.EvtBotCreated, bot)
	return bot, nil
}

// Get returns the bot with the given ID.
func (r *BotRegistry) Get(ctx context.Context, id uuid.UUID) (*db.Bot, error) {
	return r.bots.GetByID(ctx, id)
}

// List returns all bots.
func (r *BotRegistry) List(ctx context.Context, opts repository.ListOptions) ([]db.Bot, error) {
	return r.bots.List(ctx, opts)
}

// Update applies a partial update. A new schedule must parse as cron.
// Emits bot.updated.
func (r *BotRegistry) Update(ctx context.Context, id uuid.UUID, upd BotUpdate) (*db.Bot, error) {
	bot, err := r.bots.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		bot.Name = *upd.Name
	}
	if upd.Script != nil {
		bot.Script = *upd.Script
	}
	if upd.ClearSchedule {
		bot.Schedule = nil
	} else if upd.Schedule != nil {
		if *upd.Schedule == "" {
			bot.Schedule = nil
		} else {
			if err := ValidateCron(*upd.Schedule); err != nil {
				return nil, err
			}
			bot.Schedule = upd.Schedule
		}
	}

	if err := r.bots.Update(ctx, bot); err != nil {
		return nil, err
	}

	r.logger.Info("bot updated", zap.String("bot_id", id.String()))
	r.publish(eventbus.EvtBotUpdated, bot)
	return bot, nil
}

// Delete removes the bot definition only. Historical runs stay
// queryable. Emits bot.deleted.
func (r *BotRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.bots.Delete(ctx, id); err != nil {
		return err
	}

	r.logger.Info("bot deleted", zap.String("bot_id", id.String()))
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventbus.EvtBotDeleted,
		Payload: map[string]any{"bot_id": id.String()},
	})
	return nil
}

func (r *BotRegistry) publish(eventType string, bot *db.Bot) {
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventType,
		Payload: NewBotView(bot),
	})
}
