package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botfleet-io/botfleet/internal/repository"
)

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron("*/5 * * * *"))
	require.NoError(t, ValidateCron("0 3 * * 1-5"))
	require.ErrorIs(t, ValidateCron("not cron"), ErrInvalidCron)
	require.ErrorIs(t, ValidateCron("* * * *"), ErrInvalidCron)
	// Six fields (seconds) are not part of the contract.
	require.ErrorIs(t, ValidateCron("* * * * * *"), ErrInvalidCron)
}

func TestNextFireStrictlyAfter(t *testing.T) {
	// Exactly on a firing instant: the next one is a full period later.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextFire("0 * * * *", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), next)

	next, err = NextFire("*/15 * * * *", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC), next)

	_, err = NextFire("bogus", now)
	require.ErrorIs(t, err, ErrInvalidCron)
}

func TestBotCreateValidatesSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bad := "whenever"
	_, err := env.bots.Create(ctx, "crawler", "script", &bad)
	require.ErrorIs(t, err, ErrInvalidCron)

	good := "0 3 * * *"
	bot, err := env.bots.Create(ctx, "crawler", "script", &good)
	require.NoError(t, err)
	require.NotNil(t, bot.Schedule)
	require.Equal(t, good, *bot.Schedule)
}

func TestBotUpdatePartialAndClearSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sched := "0 3 * * *"
	bot := env.createBot(t, &sched)

	name := "renamed"
	updated, err := env.bots.Update(ctx, bot.ID, BotUpdate{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.NotNil(t, updated.Schedule)

	empty := ""
	updated, err = env.bots.Update(ctx, bot.ID, BotUpdate{Schedule: &empty})
	require.NoError(t, err)
	require.Nil(t, updated.Schedule)
}

func TestBotDeleteKeepsRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bot := env.createBot(t, nil)

	run, err := env.runs.Create(ctx, bot.ID)
	require.NoError(t, err)

	require.NoError(t, env.bots.Delete(ctx, bot.ID))
	_, err = env.bots.Get(ctx, bot.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)

	// The run record survives its bot.
	kept, err := env.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, bot.ID, kept.BotID)
}
