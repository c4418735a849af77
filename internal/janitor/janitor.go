// Package janitor runs the periodic hygiene sweeps that keep the fleet
// and the run table honest: agents that stopped heartbeating are
// demoted to offline, and runs stuck in STARTING or RUNNING past the
// stuck cutoff are failed and their agents returned to the pool.
//
// Both sweeps are idempotent. Running them twice in a row changes
// nothing the second time, so overlapping with other writers is safe.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/metrics"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// staleMultiplier scales the heartbeat interval into the silence
// threshold after which an agent is considered gone, not merely late.
// Looser than the 2× dispatch-liveness cutoff so a single delayed
// heartbeat never flaps an agent offline.
const staleMultiplier = 5

// stuckAfter is how long a run may sit in STARTING or RUNNING before
// the janitor declares its agent lost and fails it.
const stuckAfter = time.Hour

// Janitor owns the stale-agent and stuck-run sweeps. The zero value is
// not usable — create instances with New.
type Janitor struct {
	cron     gocron.Scheduler
	agents   repository.AgentRepository
	runs     repository.RunRepository
	runReg   *registry.RunRegistry
	agentReg *registry.AgentRegistry
	clock    clock.Clock
	interval time.Duration
	m        *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Janitor. interval is the sweep period; the stale cutoff
// derives from the agent registry's heartbeat interval. m may be nil
// (tests).
func New(
	agents repository.AgentRepository,
	runs repository.RunRepository,
	runReg *registry.RunRegistry,
	agentReg *registry.AgentRegistry,
	clk clock.Clock,
	interval time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Janitor{
		cron:     s,
		agents:   agents,
		runs:     runs,
		runReg:   runReg,
		agentReg: agentReg,
		clock:    clk,
		interval: interval,
		m:        m,
		logger:   logger.Named("janitor"),
	}, nil
}

// Start registers the periodic sweep and starts it.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			j.Sweep(tickCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register janitor sweep: %w", err)
	}

	j.cron.Start()
	j.logger.Info("janitor started", zap.Duration("interval", j.interval))
	return nil
}

// Stop shuts down the sweep loop, waiting for an in-flight sweep.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown error: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

// Sweep runs both hygiene passes once. Exported for tests driving a
// fake clock.
func (j *Janitor) Sweep(ctx context.Context) {
	j.sweepStaleAgents(ctx)
	j.sweepStuckRuns(ctx)
}

// sweepStaleAgents demotes every agent silent for more than
// staleMultiplier heartbeat intervals to offline.
func (j *Janitor) sweepStaleAgents(ctx context.Context) {
	cutoff := j.clock.Now().Add(-time.Duration(staleMultiplier) * j.agentReg.HeartbeatInterval())

	demoted, err := j.agents.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		j.logger.Error("stale agent sweep failed", zap.Error(err))
		return
	}
	if len(demoted) == 0 {
		return
	}

	for i := range demoted {
		agent := &demoted[i]
		j.logger.Warn("agent went offline",
			zap.String("agent_id", agent.AgentID),
			zap.Time("last_heartbeat", agent.LastHeartbeat),
		)
		j.agentReg.NotifyUpdated(agent)
	}
	if j.m != nil {
		j.m.AgentsOffline.Add(float64(len(demoted)))
	}
}

// sweepStuckRuns fails STARTING/RUNNING runs whose start_time is more
// than stuckAfter in the past and returns their agents to the pool. A
// run the agent finishes between listing and failing is left alone:
// Fail on a terminal run is a no-op.
func (j *Janitor) sweepStuckRuns(ctx context.Context) {
	cutoff := j.clock.Now().Add(-stuckAfter)

	stuck, err := j.runs.ListStuck(ctx, cutoff)
	if err != nil {
		j.logger.Error("stuck run sweep failed", zap.Error(err))
		return
	}

	recovered := 0
	for i := range stuck {
		run := &stuck[i]

		updated, err := j.runReg.Fail(ctx, run.ID, "run exceeded maximum execution time")
		if err != nil {
			j.logger.Error("failed to recover stuck run",
				zap.String("run_id", run.ID.String()),
				zap.Error(err),
			)
			continue
		}
		recovered++

		if updated.AgentID != nil {
			if err := j.agentReg.Release(ctx, *updated.AgentID); err != nil {
				j.logger.Error("failed to release agent of stuck run",
					zap.String("run_id", run.ID.String()),
					zap.String("agent_id", *updated.AgentID),
					zap.Error(err),
				)
			}
		}
	}

	if recovered > 0 {
		j.logger.Warn("recovered stuck runs", zap.Int("count", recovered))
		if j.m != nil {
			j.m.RunsRecovered.Add(float64(recovered))
		}
	}
}
