// Package scheduler turns bot cron schedules into SCHEDULED run rows.
// It wraps gocron with a single minutely scan: for every bot that has a
// schedule, the scan computes the next firing and creates a SCHEDULED
// run for it unless one already exists. The dispatcher later promotes
// due SCHEDULED runs to QUEUED; the scheduler itself never executes
// anything.
//
// Creating rows ahead of time instead of registering one gocron job per
// bot means schedule edits need no scheduler bookkeeping and a restart
// loses nothing: the next scan recreates whatever is missing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// Scheduler scans bot schedules once a minute and materializes the next
// firing of each as a SCHEDULED run. The zero value is not usable —
// create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	bots   repository.BotRepository
	runs   repository.RunRepository
	reg    *registry.RunRegistry
	clock  clock.Clock
	logger *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin scanning.
func New(
	bots repository.BotRepository,
	runs repository.RunRepository,
	reg *registry.RunRegistry,
	clk clock.Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		bots:   bots,
		runs:   runs,
		reg:    reg,
		clock:  clk,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers the minutely scan and starts the underlying gocron
// scheduler. Singleton mode guarantees scans never overlap; a scan that
// outlives the minute delays the next one instead of racing it.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.CronJob("* * * * *", false),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.Scan(tickCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register schedule scan: %w", err)
	}

	// Seed upcoming runs immediately instead of waiting out the first
	// minute boundary.
	s.Scan(ctx)

	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting
// for an in-flight scan to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Scan walks every scheduled bot and ensures a SCHEDULED run exists for
// its next cron firing. A bot whose stored expression no longer parses
// is logged and skipped; one bad schedule must not starve the rest.
// Exported for the HTTP trigger and for tests driving a fake clock.
func (s *Scheduler) Scan(ctx context.Context) {
	bots, err := s.bots.ListScheduled(ctx)
	if err != nil {
		s.logger.Error("failed to list scheduled bots", zap.Error(err))
		return
	}

	now := s.clock.Now()
	created := 0
	for i := range bots {
		bot := &bots[i]
		if bot.Schedule == nil || *bot.Schedule == "" {
			continue
		}

		next, err := registry.NextFire(*bot.Schedule, now)
		if err != nil {
			s.logger.Warn("bot has unparseable schedule, skipping",
				zap.String("bot_id", bot.ID.String()),
				zap.String("schedule", *bot.Schedule),
				zap.Error(err),
			)
			continue
		}

		// Duplicate guard: one SCHEDULED row per (bot, firing). Reruns
		// of the scan and restarts converge on the same rows.
		if _, err := s.runs.FindScheduledAt(ctx, bot.ID, next); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("failed to check for existing scheduled run",
				zap.String("bot_id", bot.ID.String()),
				zap.Error(err),
			)
			continue
		}

		if _, err := s.reg.Schedule(ctx, bot.ID, next); err != nil {
			s.logger.Error("failed to create scheduled run",
				zap.String("bot_id", bot.ID.String()),
				zap.Time("start_time", next),
				zap.Error(err),
			)
			continue
		}
		created++
	}

	if created > 0 {
		s.logger.Info("schedule scan created runs", zap.Int("created", created))
	}
}
