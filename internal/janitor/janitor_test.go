package janitor

import (
	"context"
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

type janEnv struct {
	store    *gorm.DB
	clock    *clock.Fake
	jan      *Janitor
	runReg   *registry.RunRegistry
	agentReg *registry.AgentRegistry
	botRepo  repository.BotRepository
	runRepo  repository.RunRepository
}

func newJanEnv(t *testing.T) *janEnv {
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

	jan, err := New(agentRepo, runRepo, runReg, agentReg, clk, time.Minute, nil, zap.NewNop())
	require.NoError(t, err)

	return &janEnv{
		store:    store,
		clock:    clk,
		jan:      jan,
		runReg:   runReg,
		agentReg: agentReg,
		botRepo:  botRepo,
		runRepo:  runRepo,
	}
}

func (e *janEnv) createRun(t *testing.T, agentID string) *db.Run {
	t.Helper()
	ctx := context.Background()

	bot := &db.Bot{Name: "crawler", Script: "script"}
	require.NoError(t, e.botRepo.Create(ctx, bot))

	run, err := e.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)
	run, err = e.runReg.Assign(ctx, run.ID, agentID)
	require.NoError(t, err)
	return run
}

func TestSweepDemotesSilentAgents(t *testing.T) {
	env := newJanEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "silent", db.AgentAvailable, nil, "")
	require.NoError(t, err)
	_, err = env.agentReg.Register(ctx, "chatty", db.AgentAvailable, nil, "")
	require.NoError(t, err)

	// Past 5× the heartbeat interval only "chatty" has beaten.
	env.clock.Advance(51 * time.Second)
	_, err = env.agentReg.Heartbeat(ctx, "chatty")
	require.NoError(t, err)

	env.jan.Sweep(ctx)

	agent, err := env.agentReg.Get(ctx, "silent")
	require.NoError(t, err)
	require.Equal(t, db.AgentOffline, agent.Status)

	agent, err = env.agentReg.Get(ctx, "chatty")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
}

func TestSweepToleratesBrieflyLateAgents(t *testing.T) {
	env := newJanEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "late", db.AgentAvailable, nil, "")
	require.NoError(t, err)

	// 3 intervals of silence: stale for dispatch but not for demotion.
	env.clock.Advance(30 * time.Second)
	env.jan.Sweep(ctx)

	agent, err := env.agentReg.Get(ctx, "late")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)

	available, err := env.agentReg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Empty(t, available)
}

func TestSweepFailsStuckRunsAndReleasesAgents(t *testing.T) {
	env := newJanEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "agent-1", db.AgentAvailable, nil, "")
	require.NoError(t, err)
	_, err = env.agentReg.AcquireOne(ctx)
	require.NoError(t, err)
	run := env.createRun(t, "agent-1")

	env.clock.Advance(61 * time.Minute)
	// Keep the agent heartbeating so only the stuck-run sweep triggers.
	_, err = env.agentReg.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)

	env.jan.Sweep(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunError, got.Status)
	require.NotNil(t, got.EndTime)

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
}

func TestSweepLeavesRecentRunsAlone(t *testing.T) {
	env := newJanEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "agent-1", db.AgentAvailable, nil, "")
	require.NoError(t, err)
	run := env.createRun(t, "agent-1")

	env.clock.Advance(30 * time.Minute)
	_, err = env.agentReg.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)
	env.jan.Sweep(ctx)

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStarting, got.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newJanEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "agent-1", db.AgentAvailable, nil, "")
	require.NoError(t, err)
	run := env.createRun(t, "agent-1")

	env.clock.Advance(2 * time.Hour)
	env.jan.Sweep(ctx)

	first, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)

	env.jan.Sweep(ctx)

	second, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.EndTime.UTC(), second.EndTime.UTC())
}
