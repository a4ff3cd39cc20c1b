// Package mission is the entry point for running mission plans against one vehicle.
// An Engine owns the executor, the result history and the bookkeeping for plans
// started asynchronously.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/executor"
)

// ErrNotFinished is returned by Result while the plan is still running.
var ErrNotFinished = errors.New("execution has not finished")

// Engine runs at most one plan at a time per vehicle.
type Engine struct {
	registry  dragonpilot.ToolRegistry
	telemetry dragonpilot.TelemetrySource
	executor  dragonpilot.PlanExecutor
	store     dragonpilot.ResultStore
	eventBus  eventbus.EventBus
	logger    *slog.Logger
	now       func() time.Time

	// runMu is held for the whole of a plan run; TryLock failing means the vehicle is busy.
	runMu     sync.Mutex
	runningMu sync.RWMutex
	running   string

	executions      map[string]*execution
	executionsMutex sync.RWMutex
	subscription    string
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithStore keeps terminal results in store. The default keeps nothing beyond
// the in-memory execution records.
func WithStore(store dragonpilot.ResultStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces the wall clock used for bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. The executor must publish on the same bus passed with
// WithEventBus for live status updates to reach Status.
func New(registry dragonpilot.ToolRegistry, telemetry dragonpilot.TelemetrySource, exec dragonpilot.PlanExecutor, options ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry source is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("plan executor is required")
	}

	e := &Engine{
		registry:   registry,
		telemetry:  telemetry,
		executor:   exec,
		logger:     slog.Default(),
		now:        time.Now,
		executions: make(map[string]*execution),
	}
	for _, option := range options {
		option(e)
	}
	e.logger = e.logger.With("component", "engine")

	if e.eventBus != nil {
		types := append(append([]eventbus.EventType{}, eventbus.StepEvents...), eventbus.PlanEvents...)
		id, err := e.eventBus.Subscribe(types, e.onProgress)
		if err != nil {
			return nil, fmt.Errorf("subscribe to progress events: %w", err)
		}
		e.subscription = id
	}
	return e, nil
}

// ListTools returns the discovery view of every registered tool.
func (e *Engine) ListTools() []dragonpilot.ToolSummary {
	return e.registry.Summaries()
}

// LatestTelemetry returns the most recent vehicle snapshot.
func (e *Engine) LatestTelemetry() (dragonpilot.TelemetrySnapshot, error) {
	return e.telemetry.Latest()
}

// Running returns the ID of the plan currently holding the vehicle, if any.
func (e *Engine) Running() (string, bool) {
	e.runningMu.RLock()
	defer e.runningMu.RUnlock()
	return e.running, e.running != ""
}

// InvokePlan runs plan to a terminal state and returns its result.
// A second plan while one is running fails with a BusyError and never reaches the vehicle.
func (e *Engine) InvokePlan(ctx context.Context, plan *dragonpilot.MissionPlan) (*dragonpilot.ExecutionResult, error) {
	plan = normalise(plan, e.now())
	if err := e.acquire(plan.ID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rec := e.track(ctx, plan, cancel)
	return e.run(ctx, rec)
}

// acquire takes the vehicle for planID.
func (e *Engine) acquire(planID string) error {
	if !e.runMu.TryLock() {
		running, _ := e.Running()
		return dragonpilot.NewBusyError(running)
	}
	e.runningMu.Lock()
	e.running = planID
	e.runningMu.Unlock()
	return nil
}

func (e *Engine) release() {
	e.runningMu.Lock()
	e.running = ""
	e.runningMu.Unlock()
	e.runMu.Unlock()
}

// run executes rec's plan while holding the vehicle and releases it afterwards.
func (e *Engine) run(ctx context.Context, rec *execution) (*dragonpilot.ExecutionResult, error) {
	// The vehicle is free before waiters wake.
	defer close(rec.done)
	defer e.release()

	e.logger.Info("plan accepted", "plan_id", rec.plan.ID, "steps", len(rec.plan.Steps))
	result, err := e.executor.Execute(ctx, rec.plan)
	if result == nil {
		result = &dragonpilot.ExecutionResult{
			PlanID: rec.plan.ID, PlanName: rec.plan.Name, Status: dragonpilot.PlanFailed,
			FailedStep: -1, CancelledAt: -1, StartedAt: rec.startTime, FinishedAt: e.now(),
		}
		err = dragonpilot.NewInternalError(dragonpilot.StageExecution, "executor returned no result", err)
		result.Error = err.Error()
		result.Code = dragonpilot.CodeOf(err)
	}

	e.finish(rec, result, err)

	if e.store != nil {
		// The result is recorded even when the caller has gone away.
		if serr := e.store.Save(context.WithoutCancel(ctx), result); serr != nil {
			e.logger.Error("failed to save result", "plan_id", result.PlanID, "error", serr)
		}
	}

	log := e.logger.Info
	if err != nil {
		log = e.logger.Warn
	}
	log("plan finished", "plan_id", result.PlanID, "status", result.Status, "summary", result.Summary())
	return result.Clone(), err
}

// normalise returns a copy of plan with an ID and creation time. A nil plan is an empty plan.
func normalise(plan *dragonpilot.MissionPlan, now time.Time) *dragonpilot.MissionPlan {
	out := &dragonpilot.MissionPlan{}
	if plan != nil {
		cp := *plan
		cp.Steps = append([]dragonpilot.PlanStep(nil), plan.Steps...)
		out = &cp
	}
	if out.ID == "" {
		out.ID = executor.NewPlanID()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return out
}

// History returns up to limit stored results, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]*dragonpilot.ExecutionResult, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.List(ctx, limit)
}

// Close detaches the engine from the event bus. Running plans are not cancelled.
func (e *Engine) Close() error {
	if e.eventBus != nil && e.subscription != "" {
		return e.eventBus.Unsubscribe(e.subscription)
	}
	return nil
}
