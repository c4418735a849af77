package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// testEnv bundles the registries over a fresh in-memory store.
type testEnv struct {
	store  *gorm.DB
	clock  *clock.Fake
	bus    *eventbus.Bus
	agents *AgentRegistry
	runs   *RunRegistry
	bots   *BotRegistry

	botRepo   repository.BotRepository
	agentRepo repository.AgentRepository
	runRepo   repository.RunRepository
}

func newTestEnv(t *testing.T) *testEnv {
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
	eventRepo := repository.NewRunEventRepository(store)
	logRepo := repository.NewRunLogRepository(store)

	return &testEnv{
		store:     store,
		clock:     clk,
		bus:       bus,
		agents:    NewAgentRegistry(agentRepo, bus, clk, 10*time.Second, zap.NewNop()),
		runs:      NewRunRegistry(runRepo, eventRepo, logRepo, bus, clk, nil, zap.NewNop()),
		bots:      NewBotRegistry(botRepo, bus, clk, zap.NewNop()),
		botRepo:   botRepo,
		agentRepo: agentRepo,
		runRepo:   runRepo,
	}
}

func (e *testEnv) createBot(t *testing.T, schedule *string) *db.Bot {
	t.Helper()
	bot, err := e.bots.Create(context.Background(), "crawler", "console.log('hi')", schedule)
	require.NoError(t, err)
	return bot
}

func newUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}

func (e *testEnv) registerAgent(t *testing.T, id string) *db.Agent {
	t.Helper()
	agent, err := e.agents.Register(context.Background(), id, db.AgentAvailable, []byte(`{"cpu":4}`), "http://"+id+".local:9000")
	require.NoError(t, err)
	return agent
}
