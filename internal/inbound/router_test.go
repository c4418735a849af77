package inbound

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/registry"
	"github.com/botfleet-io/botfleet/internal/repository"
)

type routerEnv struct {
	clock    *clock.Fake
	bus      *eventbus.Bus
	router   *Router
	agentReg *registry.AgentRegistry
	runReg   *registry.RunRegistry
	botRepo  repository.BotRepository

	kicked int
}

func newRouterEnv(t *testing.T) *routerEnv {
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
	agentReg := registry.NewAgentRegistry(repository.NewAgentRepository(store), bus, clk, 10*time.Second, zap.NewNop())
	runReg := registry.NewRunRegistry(
		repository.NewRunRepository(store),
		repository.NewRunEventRepository(store),
		repository.NewRunLogRepository(store),
		bus, clk, nil, zap.NewNop(),
	)

	env := &routerEnv{
		clock:    clk,
		bus:      bus,
		agentReg: agentReg,
		runReg:   runReg,
		botRepo:  botRepo,
	}
	env.router = NewRouter(agentReg, runReg, func() { env.kicked++ }, zap.NewNop())
	return env
}

func (e *routerEnv) startRun(t *testing.T, agentID string) *db.Run {
	t.Helper()
	ctx := context.Background()

	bot := &db.Bot{Name: "crawler", Script: "script"}
	require.NoError(t, e.botRepo.Create(ctx, bot))
	_, err := e.agentReg.Register(ctx, agentID, db.AgentAvailable, nil, "")
	require.NoError(t, err)
	_, err = e.agentReg.AcquireOne(ctx)
	require.NoError(t, err)

	run, err := e.runReg.Create(ctx, bot.ID)
	require.NoError(t, err)
	run, err = e.runReg.Assign(ctx, run.ID, agentID)
	require.NoError(t, err)
	run, err = e.runReg.SetStatus(ctx, run.ID, db.RunRunning)
	require.NoError(t, err)
	return run
}

func TestHandleMalformedFramesAreDropped(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	env.router.Handle(ctx, []byte("not json"))
	env.router.Handle(ctx, []byte(`{"type":"no.such.frame"}`))
	env.router.Handle(ctx, []byte(`{"type":"agent.heartbeat"}`))
	env.router.Handle(ctx, []byte(`{"type":"run.status","run_id":"garbage"}`))
}

func TestHandleAgentHeartbeat(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "agent-1", db.AgentAvailable, nil, "")
	require.NoError(t, err)
	before, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	env.router.Handle(ctx, []byte(`{"type":"agent.heartbeat","agent_id":"agent-1"}`))

	after, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestHandleAgentStatus(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	_, err := env.agentReg.Register(ctx, "agent-1", db.AgentAvailable, nil, "")
	require.NoError(t, err)

	env.router.Handle(ctx, []byte(`{"type":"agent.status","agent_id":"agent-1","status":"stopped"}`))

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentStopped, agent.Status)
}

func TestHandleAgentLogPublishesWithoutPersisting(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()

	sub := env.bus.Subscribe(eventbus.TopicUI, "test", 8)
	defer sub.Close()

	env.router.Handle(ctx, []byte(`{"type":"agent.log","agent_id":"agent-1","message":"chromium started"}`))

	evt := <-sub.C()
	require.Equal(t, eventbus.EvtAgentLogCreated, evt.Type)
}

func TestHandleRunEventAndLogAppend(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	run := env.startRun(t, "agent-1")

	frame := fmt.Sprintf(`{"type":"run.event","run_id":%q,"event_type":"page.loaded","message":"ok"}`, run.ID)
	env.router.Handle(ctx, []byte(frame))

	events, err := env.runReg.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, "page.loaded")

	frame = fmt.Sprintf(`{"type":"run.log","run_id":%q,"level":"DEBUG","message":"selector hit"}`, run.ID)
	env.router.Handle(ctx, []byte(frame))

	logs, err := env.runReg.ListLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, db.LevelDebug, logs[0].Level)
}

func TestHandleRunStatusTerminalReleasesAgentAndKicks(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	run := env.startRun(t, "agent-1")

	frame := fmt.Sprintf(`{"type":"run.status","run_id":%q,"status":"completed"}`, run.ID)
	env.router.Handle(ctx, []byte(frame))

	got, err := env.runReg.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunCompleted, got.Status)
	require.NotNil(t, got.EndTime)

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
	require.Equal(t, 1, env.kicked)

	// A replayed terminal report is a no-op, not a second release.
	env.router.Handle(ctx, []byte(frame))
	require.Equal(t, 1, env.kicked)
}

func TestHandleRunStatusIntermediate(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	run := env.startRun(t, "agent-1")

	// RUNNING again (replay) then nothing released.
	frame := fmt.Sprintf(`{"type":"run.status","run_id":%q,"status":"running"}`, run.ID)
	env.router.Handle(ctx, []byte(frame))

	agent, err := env.agentReg.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentBusy, agent.Status)
	require.Zero(t, env.kicked)
}
