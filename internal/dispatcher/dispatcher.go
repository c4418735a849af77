// Package dispatcher drains the run queue onto available agents. Each
// pass has two phases: promote SCHEDULED runs whose start time has
// arrived into the queue, then bind queued runs to live agents oldest
// first and hand each one to its agent over the transport.
//
// Passes are serialized by a mutex, so agent acquisition and run
// assignment never race between the periodic tick and on-demand kicks.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/metrics"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// Dispatch outcomes recorded on the dispatch counter.
const (
	outcomeOK             = "ok"
	outcomeTransportError = "transport_error"
	outcomeBotMissing     = "bot_missing"
)

// Dispatcher moves runs from the queue onto agents. The zero value is
// not usable — create instances with New.
type Dispatcher struct {
	cron      gocron.Scheduler
	runs      repository.RunRepository
	bots      repository.BotRepository
	runReg    *registry.RunRegistry
	agentReg  *registry.AgentRegistry
	transport Transport
	clock     clock.Clock
	timeout   time.Duration
	tick      time.Duration
	m         *metrics.Metrics
	logger    *zap.Logger

	mu   sync.Mutex
	kick chan struct{}
	done chan struct{}
}

// New creates a Dispatcher. timeout bounds each StartRun call to an
// agent; tick is the periodic pass interval, defaulting to one minute
// when zero. m may be nil (tests).
func New(
	runs repository.RunRepository,
	bots repository.BotRepository,
	runReg *registry.RunRegistry,
	agentReg *registry.AgentRegistry,
	transport Transport,
	clk clock.Clock,
	timeout time.Duration,
	tick time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Dispatcher, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if tick <= 0 {
		tick = time.Minute
	}

	return &Dispatcher{
		cron:      s,
		runs:      runs,
		bots:      bots,
		runReg:    runReg,
		agentReg:  agentReg,
		transport: transport,
		clock:     clk,
		timeout:   timeout,
		tick:      tick,
		m:         m,
		logger:    logger.Named("dispatcher"),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start registers the periodic pass, launches the kick worker and runs
// one pass immediately so restarts pick up a backlog without waiting a
// full tick.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.cron.NewJob(
		gocron.DurationJob(d.tick),
		gocron.NewTask(func() {
			tickCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			d.Drain(tickCtx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register dispatch pass: %w", err)
	}

	go d.kickWorker()

	d.Drain(ctx)
	d.cron.Start()
	d.logger.Info("dispatcher started")
	return nil
}

// Stop shuts down the periodic pass and the kick worker. An in-flight
// pass finishes before Stop returns.
func (d *Dispatcher) Stop() error {
	close(d.done)
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher shutdown error: %w", err)
	}
	// An empty critical section: returns once a running pass unlocks.
	d.mu.Lock()
	d.mu.Unlock() //nolint:staticcheck
	d.logger.Info("dispatcher stopped")
	return nil
}

// Kick requests an immediate dispatch pass without waiting for the next
// tick. Called after a run is queued or an agent frees up. Coalescing:
// kicks during a pass collapse into at most one follow-up pass.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) kickWorker() {
	for {
		select {
		case <-d.done:
			return
		case <-d.kick:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			d.Drain(ctx)
			cancel()
		}
	}
}

// Drain runs one full dispatch pass: promote due scheduled runs, then
// bind queued runs to agents until the queue or the agent pool is
// exhausted. Safe to call concurrently; passes are serialized.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteDue(ctx)
	d.drainQueue(ctx)
}

// promoteDue is phase A: every SCHEDULED run whose start_time has
// arrived becomes QUEUED, oldest first.
func (d *Dispatcher) promoteDue(ctx context.Context) {
	due, err := d.runs.ListScheduledDue(ctx, d.clock.Now())
	if err != nil {
		d.logger.Error("failed to list due scheduled runs", zap.Error(err))
		return
	}

	for i := range due {
		run := &due[i]
		if _, err := d.runReg.Promote(ctx, run.ID); err != nil {
			// A concurrent cancel can make the promotion illegal;
			// skip the run rather than abort the pass.
			d.logger.Warn("failed to promote scheduled run",
				zap.String("run_id", run.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// drainQueue is phase B: assign queued runs to live agents in queue
// order. Stops as soon as no agent can be acquired; remaining runs wait
// for the next pass.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	queued, err := d.runs.ListQueued(ctx)
	if err != nil {
		d.logger.Error("failed to list queued runs", zap.Error(err))
		return
	}

	for i := range queued {
		run := &queued[i]

		bot, err := d.bots.GetByID(ctx, run.BotID)
		if errors.Is(err, repository.ErrNotFound) {
			// Bot deleted while the run sat in the queue. The run can
			// never execute; fail it without consuming an agent.
			if _, err := d.runReg.Fail(ctx, run.ID, "bot no longer exists"); err != nil {
				d.logger.Error("failed to fail orphaned run",
					zap.String("run_id", run.ID.String()),
					zap.Error(err),
				)
			}
			d.countDispatch(outcomeBotMissing)
			continue
		}
		if err != nil {
			d.logger.Error("failed to load bot for queued run",
				zap.String("run_id", run.ID.String()),
				zap.Error(err),
			)
			continue
		}

		agent, err := d.agentReg.AcquireOne(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			// Agent pool exhausted. Queue order is preserved for the
			// next pass.
			d.logger.Debug("no available agents, queue drain stopped",
				zap.Int("remaining", len(queued)-i),
			)
			return
		}
		if err != nil {
			d.logger.Error("failed to acquire agent", zap.Error(err))
			return
		}

		d.dispatchOne(ctx, run, bot, agent)
	}
}

// dispatchOne binds one run to one acquired agent and hands it over.
// Failure on any step fails the run and returns the agent to the pool.
func (d *Dispatcher) dispatchOne(ctx context.Context, run *db.Run, bot *db.Bot, agent *db.Agent) {
	if _, err := d.runReg.Assign(ctx, run.ID, agent.AgentID); err != nil {
		// The run left QUEUED under us (cancelled between listing and
		// assignment). Free the agent and move on.
		d.logger.Warn("failed to assign run, releasing agent",
			zap.String("run_id", run.ID.String()),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err),
		)
		d.release(ctx, agent.AgentID)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.transport.StartRun(callCtx, agent.PublicURL, StartRunRequest{
		BotID:  bot.ID,
		Script: bot.Script,
		RunID:  run.ID,
	})
	if err != nil {
		d.logger.Warn("agent rejected run",
			zap.String("run_id", run.ID.String()),
			zap.String("agent_id", agent.AgentID),
			zap.Error(err),
		)
		if _, err := d.runReg.Fail(ctx, run.ID, fmt.Sprintf("dispatch to agent %s failed: %v", agent.AgentID, err)); err != nil {
			d.logger.Error("failed to fail undispatchable run",
				zap.String("run_id", run.ID.String()),
				zap.Error(err),
			)
		}
		d.release(ctx, agent.AgentID)
		d.countDispatch(outcomeTransportError)
		return
	}

	d.logger.Info("run dispatched",
		zap.String("run_id", run.ID.String()),
		zap.String("bot_id", bot.ID.String()),
		zap.String("agent_id", agent.AgentID),
	)
	d.countDispatch(outcomeOK)
}

func (d *Dispatcher) release(ctx context.Context, agentID string) {
	if err := d.agentReg.Release(ctx, agentID); err != nil {
		d.logger.Error("failed to release agent",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) countDispatch(outcome string) {
	if d.m != nil {
		d.m.DispatchTotal.WithLabelValues(outcome).Inc()
	}
}
