package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/repository"
)

func TestAgentRegisterIsUpsert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.registerAgent(t, "agent-1")
	require.Equal(t, db.AgentAvailable, first.Status)

	// Re-registration after a restart overwrites the record.
	env.clock.Advance(time.Minute)
	second, err := env.agents.Register(ctx, "agent-1", db.AgentStopped, []byte(`{"cpu":8}`), "http://agent-1.local:9001")
	require.NoError(t, err)
	require.Equal(t, db.AgentStopped, second.Status)
	require.Equal(t, "http://agent-1.local:9001", second.PublicURL)
	require.True(t, second.LastHeartbeat.After(first.LastHeartbeat))

	all, err := env.agents.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestAgentHeartbeatUnknownAgent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.agents.Heartbeat(context.Background(), "ghost")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAgentHeartbeatPromotesOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	_, err := env.agents.SetStatus(ctx, "agent-1", db.AgentOffline)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	agent, err := env.agents.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)
}

func TestAgentHeartbeatPreservesBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	_, err := env.agents.SetStatus(ctx, "agent-1", db.AgentBusy)
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	agent, err := env.agents.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentBusy, agent.Status)
}

func TestAgentHeartbeatIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	env.clock.Advance(time.Minute)
	fresh, err := env.agents.Heartbeat(ctx, "agent-1")
	require.NoError(t, err)

	// A delayed report carrying an older timestamp must not rewind the
	// stored heartbeat.
	stale := fresh.LastHeartbeat.Add(-30 * time.Second)
	after, err := env.agentRepo.UpdateHeartbeat(ctx, "agent-1", stale)
	require.NoError(t, err)
	require.Equal(t, fresh.LastHeartbeat.UTC(), after.LastHeartbeat.UTC())
}

func TestAgentListAvailableExcludesStaleHeartbeats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "fresh")
	env.registerAgent(t, "silent")

	// Advance past 2× the heartbeat interval, then only "fresh" beats.
	env.clock.Advance(25 * time.Second)
	_, err := env.agents.Heartbeat(ctx, "fresh")
	require.NoError(t, err)

	available, err := env.agents.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.Equal(t, "fresh", available[0].AgentID)
}

func TestAgentAcquireOneFlipsToBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")

	agent, err := env.agents.AcquireOne(ctx)
	require.NoError(t, err)
	require.Equal(t, "agent-1", agent.AgentID)
	require.Equal(t, db.AgentBusy, agent.Status)

	// Pool exhausted.
	_, err = env.agents.AcquireOne(ctx)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAgentAcquireOneClaimsEachAgentOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	env.registerAgent(t, "agent-2")

	first, err := env.agents.AcquireOne(ctx)
	require.NoError(t, err)
	second, err := env.agents.AcquireOne(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.AgentID, second.AgentID)

	_, err = env.agents.AcquireOne(ctx)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAgentAcquireOneSingleWinnerUnderContention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.agents.AcquireOne(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, misses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repository.ErrNotFound):
			misses++
		default:
			t.Fatalf("unexpected acquire error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, misses)

	agent, err := env.agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentBusy, agent.Status)
}

func TestAgentAcquireOneConcurrentCallersClaimDistinctAgents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	env.registerAgent(t, "agent-2")

	type result struct {
		agentID string
		err     error
	}

	const callers = 8
	results := make(chan result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent, err := env.agents.AcquireOne(ctx)
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{agentID: agent.AgentID}
		}()
	}
	wg.Wait()
	close(results)

	claimed := make(map[string]int)
	for res := range results {
		if res.err != nil {
			require.ErrorIs(t, res.err, repository.ErrNotFound)
			continue
		}
		claimed[res.agentID]++
	}
	require.Len(t, claimed, 2)
	for id, n := range claimed {
		require.Equalf(t, 1, n, "agent %s claimed %d times", id, n)
	}
}

func TestAgentReleaseIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.registerAgent(t, "agent-1")
	_, err := env.agents.AcquireOne(ctx)
	require.NoError(t, err)

	require.NoError(t, env.agents.Release(ctx, "agent-1"))
	agent, err := env.agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentAvailable, agent.Status)

	// Releasing again changes nothing.
	require.NoError(t, env.agents.Release(ctx, "agent-1"))

	// Release never resurrects a stopped agent.
	_, err = env.agents.SetStatus(ctx, "agent-1", db.AgentStopped)
	require.NoError(t, err)
	require.NoError(t, env.agents.Release(ctx, "agent-1"))
	agent, err = env.agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, db.AgentStopped, agent.Status)
}

func TestAgentRegisterRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.agents.Register(context.Background(), "agent-1", db.AgentStatus("hungry"), nil, "")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
