package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// stubTransport records StartRun calls and fails on demand.
type stubTransport struct {
	mu    sync.Mutex
	calls []StartRunRequest
	err   error
}

func (s *stubTransport) StartRun(_ context.Context, _ string, req StartRunRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, req)
	return nil
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type dispEnv struct {
	store     *gorm.DB
	clock     *clock.Fake
	transport *stubTransport
	disp      *Dispatcher
	runReg    *registry.RunRegistry
	agentReg  *registry.AgentRegistry
	botRepo   repository.BotRepository
	runRepo   repository.RunRepository
}

func newDispEnv(t *testing.T) *dispEnv {
	return newDispEnvTick(t, 0)
}

func newDispEnvTick(t *testing.T, tick time.Duration) *dispEnv {
	t.Helper()

	store, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	bus := eventbus.New(zap.NewNop(), nil)

	botRepo := repository.NewBotRepository(store)
	agentRepo := repository.NewAgentRepository(store)
	runRepo := repository.NewRunRepository(store)

	agentReg := registry.NewAgentRegistry(agentRepo, bus, clk, 10*time.Second, zap.NewNop())
	runReg := registry.NewRunRegistry(
		runRepo,
		repository.NewRunEventRepository(store),
		repository.NewRunLogRepository(store),
		bus, clk, nil, zap.NewNop(),
	)

	transport := &stubTransport{}
	disp, err := New(runRepo, botRepo, runReg, agentReg, transport, clk, 5*time.Second, tick, nil, zap.NewNop())
	require.NoError(t, err)

	return &dispEnv{
		store:     store,
		clock:     clk,
		transport: transport,
		disp:      disp,
		runReg:    runReg,
		agentReg:  agentReg,
		botRepo:   botRepo,
		runRepo:   runRepo,
	}
}

func (e *dispEnv) createBot(t *testing.T) *db.Bot {
	t.Helper()
	bot := &db.Bot{Name: "crawler", Script: "script"}
	require.NoError(t, e.botRepo.Create(context.Background(), bot))
	return bot
}

func (e *dispEnv) registerAgent(t *testing.T, id string) {
	t.Helper()
	_, err := e.agentReg.Register(context.Background(), id, db.AgentAvailable, nil, "http://"+id+":9000")
	require.NoError(t, err)
}

func TestDrainDispatchesQueuedRunToAgent(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	env.registerAgent(t, "agent-1")
	run, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStarting, got.Status)
	require.NotNil(t, got.AgentID)
	require.Equal(t, "agent-1", *got.AgentID)

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentBusy, agent.Status)

	require.Equal(t, 1, env.transport.callCount())
	require.Equal(t, run.ID, env.transport.calls[0].RunID)
	require.Equal(t, bot.ID, env.transport.calls[0].BotID)
	require.Equal(t, "script", env.transport.calls[0].Script)
}

func TestDrainWithoutAgentsLeavesQueueIntact(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	run, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunQueued, got.Status)
	require.Zero(t, env.transport.callCount())
}

func TestDrainQueueOrderOldestFirst(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	first, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	// One agent: only the older run gets it.
	env.registerAgent(t, "agent-1")
	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStarting, got.Status)

	got, err = env.runReg.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunQueued, got.Status)
}

func TestDrainTransportFailureFailsRunAndReleasesAgent(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	env.registerAgent(t, "agent-1")
	run, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	env.transport.err = errors.New("connection refused")
	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunError, got.Status)
	require.NotNil(t, got.EndTime)

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
}

func TestDrainMissingBotFailsRunWithoutConsumingAgent(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	env.registerAgent(t, "agent-1")
	orphan, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)
	require.NoError(t, env.botRepo.Delete(ctx, bot.ID))

	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, orphan.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunError, got.Status)

	// The agent was never claimed.
	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
	require.Zero(t, env.transport.callCount())
}

func TestDrainPromotesDueScheduledRuns(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	due, err := env.runReg.Schedule(ctx, bot.ID, env.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	future, err := env.runReg.Schedule(ctx, bot.ID, env.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)
	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, due.ID)
	require.NoError(t, err)
	// No agent registered, so it stops at QUEUED.
	require.Equal(t, db.RunQueued, got.Status)

	got, err = env.runReg.Get(ctx, future.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunScheduled, got.Status)
}

func TestStartPeriodicTickDrainsQueue(t *testing.T) {
	env := newDispEnvTick(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, env.disp.Start(ctx))
	defer env.disp.Stop() //nolint:errcheck

	// Created after the startup pass, so only a periodic tick can
	// dispatch it — no Kick is issued here.
	bot := env.createBot(t)
	env.registerAgent(t, "agent-1")
	run, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := env.runReg.Get(ctx, run.ID)
		return err == nil && got.Status == db.RunStarting
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainSkipsLiveButNonAvailableAgents(t *testing.T) {
	env := newDispEnv(t)
	ctx := context.Background()

	bot := env.createBot(t)
	env.registerAgent(t, "agent-1")
	_, err := env.agentReg.SetStatus(ctx, "agent-1", db.AgentStopped)
	require.NoError(t, err)

	run, err := env.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)

	env.disp.Drain(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunQueued, got.Status)
}
