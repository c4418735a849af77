package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/clock"
	"github.com/botfleet-io/botfleet/internal/db"
	"github.com/botfleet-io/botfleet/internal/eventbus"
	"github.com/botfleet-io/botfleet/internal/metrics"
	"github.com/botfleet-io/botfleet/internal/repository"
)

// transitions is the run state machine. A status change is legal iff the
// target appears in the source's set; anything else is rejected with
// ErrInvalidTransition. Terminal states have no successors.
var transitions = map[db.RunStatus][]db.RunStatus{
	db.RunScheduled: {db.RunQueued},
	db.RunQueued:    {db.RunStarting, db.RunError, db.RunCancelled},
	db.RunStarting:  {db.RunRunning, db.RunError, db.RunCancelled},
	db.RunRunning:   {db.RunCompleted, db.RunError, db.RunCancelled},
}

func canTransition(from, to db.RunStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// RunRegistry owns the run lifecycle state machine. All status changes
// funnel through it: transitions are validated, terminal states stamp
// end_time, milestone run events are appended, and every mutation
// publishes run.updated so observers track persisted state.
//
// Per-run transitions are serialized by an internal mutex, so a client
// watching a single run_id sees a monotone status sequence.
type RunRegistry struct {
	runs   repository.RunRepository
	events repository.RunEventRepository
	logs   repository.RunLogRepository
	bus    *eventbus.Bus
	clock  clock.Clock
	m      *metrics.Metrics
	logger *zap.Logger

	mu keyedMutex
}

// NewRunRegistry creates a RunRegistry. m may be nil (tests).
func NewRunRegistry(
	runs repository.RunRepository,
	events repository.RunEventRepository,
	logs repository.RunLogRepository,
	bus *eventbus.Bus,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RunRegistry {
	return &RunRegistry{
		runs:   runs,
		events: events,
		logs:   logs,
		bus:    bus,
		clock:  clk,
		m:      m,
		logger: logger.Named("runs"),
	}
}

// Create makes a new QUEUED run for the bot with start_time = now.
// Emits run.created.
func (r *RunRegistry) Create(ctx context.Context, botID uuid.UUID) (*db.Run, error) {
	now := r.clock.Now()
	run := &db.Run{
		BotID:     botID,
		Status:    db.RunQueued,
		StartTime: &now,
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("run queued",
		zap.String("run_id", run.ID.String()),
		zap.String("bot_id", botID.String()),
	)
	r.publish(eventbus.EvtRunCreated, run)
	return run, nil
}

// Schedule makes a new SCHEDULED run whose start_time is the future cron
// firing. Emits run.created.
func (r *RunRegistry) Schedule(ctx context.Context, botID uuid.UUID, at time.Time) (*db.Run, error) {
	at = at.UTC()
	run := &db.Run{
		BotID:     botID,
		Status:    db.RunScheduled,
		StartTime: &at,
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	r.logger.Info("run scheduled",
		zap.String("run_id", run.ID.String()),
		zap.String("bot_id", botID.String()),
		zap.Time("start_time", at),
	)
	r.publish(eventbus.EvtRunCreated, run)
	return run, nil
}

// Get returns the run with the given ID.
func (r *RunRegistry) Get(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	return r.runs.GetByID(ctx, id)
}

// List returns runs, most recent first.
func (r *RunRegistry) List(ctx context.Context, opts repository.ListOptions) ([]db.Run, error) {
	return r.runs.List(ctx, opts)
}

// ListByBot returns all runs for a bot.
func (r *RunRegistry) ListByBot(ctx context.Context, botID uuid.UUID) ([]db.Run, error) {
	return r.runs.ListByBot(ctx, botID)
}

// ListByAgent returns all runs ever bound to an agent.
func (r *RunRegistry) ListByAgent(ctx context.Context, agentID string) ([]db.Run, error) {
	return r.runs.ListByAgent(ctx, agentID)
}

// ActiveByBot returns the bot's in-flight run (STARTING or RUNNING), or
// repository.ErrNotFound when none is executing.
func (r *RunRegistry) ActiveByBot(ctx context.Context, botID uuid.UUID) (*db.Run, error) {
	return r.runs.FindActiveByBot(ctx, botID)
}

// SetStatus transitions a run to the given status, validating the change
// against the state machine. Setting the current status again is a no-op
// returning the unchanged run, which makes replayed agent reports
// harmless. Terminal transitions stamp end_time and append a milestone
// event.
func (r *RunRegistry) SetStatus(ctx context.Context, id uuid.UUID, status db.RunStatus) (*db.Run, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	unlock := r.mu.lock(id.String())
	defer unlock()

	run, err := r.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status == status {
		return run, nil
	}
	if !canTransition(run.Status, status) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, run.Status, status)
	}

	upd := repository.RunUpdate{Status: &status}
	if status.Terminal() {
		now := r.clock.Now()
		upd.EndTime = &now
	}

	updated, err := r.runs.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}

	r.afterTransition(ctx, updated)
	return updated, nil
}

// Assign binds an agent to a queued run and moves it to STARTING. The
// dispatcher calls this immediately after acquiring the agent.
func (r *RunRegistry) Assign(ctx context.Context, id uuid.UUID, agentID string) (*db.Run, error) {
	unlock := r.mu.lock(id.String())
	defer unlock()

	run, err := r.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(run.Status, db.RunStarting) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, run.Status, db.RunStarting)
	}

	status := db.RunStarting
	updated, err := r.runs.Update(ctx, id, repository.RunUpdate{
		Status:  &status,
		AgentID: &agentID,
	})
	if err != nil {
		return nil, err
	}

	r.afterTransition(ctx, updated)
	return updated, nil
}

// Fail moves a run to ERROR from any non-terminal state, stamping
// end_time and recording the reason as a run event. Used for dispatch
// failures, missing bots and janitor recovery. Failing an already
// terminal run is a no-op.
func (r *RunRegistry) Fail(ctx context.Context, id uuid.UUID, reason string) (*db.Run, error) {
	unlock := r.mu.lock(id.String())
	defer unlock()

	run, err := r.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	status := db.RunError
	now := r.clock.Now()
	updated, err := r.runs.Update(ctx, id, repository.RunUpdate{
		Status:  &status,
		EndTime: &now,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Warn("run failed",
		zap.String("run_id", id.String()),
		zap.String("reason", reason),
	)
	r.appendMilestone(ctx, updated, "run.failed", "Run failed",
		map[string]any{"reason": reason, "end_time": now})
	r.publish(eventbus.EvtRunUpdated, updated)
	r.countTransition(status)
	return updated, nil
}

// Promote moves a due SCHEDULED run to QUEUED, preserving start_time.
// Dispatcher Phase A.
func (r *RunRegistry) Promote(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	return r.SetStatus(ctx, id, db.RunQueued)
}

// AppendEvent persists a run event reported by an agent and fans it out
// as run.event_created. The run must exist.
func (r *RunRegistry) AppendEvent(ctx context.Context, runID uuid.UUID, eventType, message string, payload json.RawMessage, screenshot *string) (*db.RunEvent, error) {
	if _, err := r.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}

	evt := &db.RunEvent{
		RunID:      runID,
		EventType:  eventType,
		Message:    message,
		Screenshot: screenshot,
		Timestamp:  r.clock.Now(),
	}
	if len(payload) > 0 && json.Valid(payload) {
		s := string(payload)
		evt.Payload = &s
	}
	if err := r.events.Create(ctx, evt); err != nil {
		return nil, err
	}

	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventbus.EvtRunEventCreated,
		Payload: NewRunEventView(evt),
	})
	return evt, nil
}

// AppendLog persists a console line reported by the agent running the
// run and fans it out as run.log_created. The run must exist.
func (r *RunRegistry) AppendLog(ctx context.Context, runID uuid.UUID, level db.LogLevel, message string, payload json.RawMessage) (*db.RunLog, error) {
	if !level.Valid() {
		level = db.LevelInfo
	}
	if _, err := r.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}

	entry := &db.RunLog{
		RunID:     runID,
		Level:     level,
		Message:   message,
		Timestamp: r.clock.Now(),
	}
	if len(payload) > 0 && json.Valid(payload) {
		s := string(payload)
		entry.Payload = &s
	}
	if err := r.logs.Create(ctx, entry); err != nil {
		return nil, err
	}

	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventbus.EvtRunLogCreated,
		Payload: NewRunLogView(entry),
	})
	return entry, nil
}

// ListLogs returns a run's log lines in timestamp order.
func (r *RunRegistry) ListLogs(ctx context.Context, runID uuid.UUID) ([]db.RunLog, error) {
	if _, err := r.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}
	return r.logs.ListByRun(ctx, runID)
}

// ListEvents returns a run's events in timestamp order.
func (r *RunRegistry) ListEvents(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error) {
	if _, err := r.runs.GetByID(ctx, runID); err != nil {
		return nil, err
	}
	return r.events.ListByRun(ctx, runID)
}

// afterTransition handles the bookkeeping common to every successful
// status change: milestone events, fan-out and metrics.
func (r *RunRegistry) afterTransition(ctx context.Context, run *db.Run) {
	switch run.Status {
	case db.RunStarting:
		r.appendMilestone(ctx, run, "run.started", "Run started",
			map[string]any{"agent_id": run.AgentID})
	case db.RunCompleted:
		r.appendMilestone(ctx, run, "run.completed", "Run completed",
			map[string]any{"end_time": run.EndTime})
	case db.RunError:
		r.appendMilestone(ctx, run, "run.failed", "Run failed",
			map[string]any{"end_time": run.EndTime})
	}

	r.logger.Info("run transition",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
	)
	r.publish(eventbus.EvtRunUpdated, run)
	r.countTransition(run.Status)
}

// appendMilestone records an orchestrator-generated run event. Failures
// are logged and swallowed — a milestone must never abort the transition
// that caused it.
func (r *RunRegistry) appendMilestone(ctx context.Context, run *db.Run, eventType, message string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	s := string(raw)
	evt := &db.RunEvent{
		RunID:     run.ID,
		EventType: eventType,
		Message:   message,
		Payload:   &s,
		Timestamp: r.clock.Now(),
	}
	if err := r.events.Create(ctx, evt); err != nil {
		r.logger.Warn("failed to append milestone event",
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return
	}
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventbus.EvtRunEventCreated,
		Payload: NewRunEventView(evt),
	})
}

func (r *RunRegistry) publish(eventType string, run *db.Run) {
	r.bus.Publish(eventbus.TopicUI, eventbus.Event{
		Type:    eventType,
		Payload: NewRunView(run),
	})
}

func (r *RunRegistry) countTransition(status db.RunStatus) {
	if r.m != nil {
		r.m.RunTransitions.WithLabelValues(string(status)).Inc()
	}
}
