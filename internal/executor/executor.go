// Package executor runs mission plans step by step against the vehicle,
// gating each step on telemetry-verified completion.
package executor

import (
	"context"
	"log/slog"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/verifier"
)

// StepVerifier blocks until a dispatched step is decided by telemetry.
type StepVerifier interface {
	Verify(ctx context.Context, req verifier.Request) (verifier.Outcome, error)
}

// Executor is the sequential plan executor. Steps are never retried.
type Executor struct {
	registry  dragonpilot.ToolRegistry
	commander dragonpilot.Commander
	telemetry dragonpilot.TelemetrySource
	verifier  StepVerifier

	eventBus    eventbus.EventBus
	metrics     *ExecutorMetrics
	logger      *slog.Logger
	stopTimeout time.Duration
	now         func() time.Time

	machine *StateMachine
}

// ExecutorOption represents an option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithEventBus publishes every plan and step transition on eb.
func WithEventBus(eb eventbus.EventBus) ExecutorOption {
	return func(e *Executor) {
		e.eventBus = eb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithStopTimeout bounds the stop action issued when a plan is cancelled mid-step.
func WithStopTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

// WithMetrics shares a metrics collector between executors.
func WithMetrics(m *ExecutorMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an executor over the given components.
func NewExecutor(
	registry dragonpilot.ToolRegistry,
	commander dragonpilot.Commander,
	telemetry dragonpilot.TelemetrySource,
	stepVerifier StepVerifier,
	options ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:    registry,
		commander:   commander,
		telemetry:   telemetry,
		verifier:    stepVerifier,
		logger:      slog.Default(),
		stopTimeout: 2 * time.Second,
		now:         time.Now,
	}
	for _, option := range options {
		option(e)
	}
	if e.metrics == nil {
		e.metrics = NewExecutorMetrics()
	}
	e.logger = e.logger.With("component", "executor")
	e.machine = e.newStateMachine()
	return e
}

// Metrics returns a copy of the execution counters.
func (e *Executor) Metrics() ExecutorMetrics {
	return e.metrics.Copy()
}

// Execute runs plan to a terminal state. The result is always non-nil; err is nil
// only when every step completed. Cancelling ctx aborts the plan.
func (e *Executor) Execute(ctx context.Context, plan *dragonpilot.MissionPlan) (*dragonpilot.ExecutionResult, error) {
	if plan == nil {
		plan = &dragonpilot.MissionPlan{}
	}
	run := NewPlanRun(plan, e.now())
	e.logger.Info("executing plan", "plan_id", plan.ID, "name", plan.Name, "steps", len(plan.Steps))

	if err := e.machine.Execute(ctx, run); err != nil {
		e.logger.Error("plan execution fault", "plan_id", plan.ID, "state", run.State, "error", err)
	}

	res := run.Result()
	e.metrics.RecordPlan(context.WithoutCancel(ctx), res.Status, res.Elapsed)
	e.logger.Info("plan finished",
		"plan_id", plan.ID,
		"status", res.Status,
		"completed_steps", res.CompletedSteps(),
		"failed_step", res.FailedStep,
		"cancelled_at", res.CancelledAt,
		"elapsed", res.Elapsed)

	if res.Status == dragonpilot.PlanCompleted {
		return res, nil
	}
	if run.LastError == nil {
		return res, dragonpilot.NewInternalError(dragonpilot.StageExecution, "plan ended without completing", nil)
	}
	return res, run.LastError
}

func (e *Executor) publish(ctx context.Context, eb eventbus.EventBus, eventType eventbus.EventType, update dragonpilot.ProgressUpdate) {
	if eb == nil {
		return
	}
	metadata := map[string]interface{}{
		"plan_id":    update.PlanID,
		"step_index": update.StepIndex,
	}
	// Progress must still be delivered for a cancelled plan.
	if err := eb.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventType, update, "executor", metadata)); err != nil {
		e.logger.Warn("failed to publish progress", "event_type", eventType, "error", err)
	}
}

// setStep moves step i to status and publishes the transition.
func (e *Executor) setStep(ctx context.Context, eb eventbus.EventBus, run *PlanRun, i int, to dragonpilot.StepStatus, reason string) {
	s := &run.steps[i]
	from := s.status
	s.status = to
	if reason != "" {
		s.reason = reason
	}
	now := e.now()
	if to.IsTerminal() {
		s.finishedAt = now
		var elapsed time.Duration
		if !s.dispatchedAt.IsZero() {
			elapsed = now.Sub(s.dispatchedAt)
		}
		e.metrics.RecordStep(context.WithoutCancel(ctx), run.Plan.Steps[i].Tool, to, elapsed)
	}

	msg := StatusLine(i, len(run.steps), s.def, to, s.reason)
	e.logger.Info(msg, "plan_id", run.Plan.ID, "step", i, "tool", run.Plan.Steps[i].Tool, "from", from, "to", to)

	e.publish(ctx, eb, stepEvent(to), dragonpilot.ProgressUpdate{
		PlanID:     run.Plan.ID,
		StepIndex:  i,
		StepCount:  len(run.steps),
		Tool:       run.Plan.Steps[i].Tool,
		From:       from,
		To:         to,
		PlanStatus: run.Status,
		Message:    msg,
		Reason:     s.reason,
		Time:       now,
	})
}

// setPlan moves the plan to status and publishes the transition.
func (e *Executor) setPlan(ctx context.Context, eb eventbus.EventBus, run *PlanRun, status dragonpilot.PlanStatus, err error) {
	now := e.now()
	if status.IsTerminal() {
		run.finish(status, err, now)
	} else {
		run.Status = status
	}

	msg := PlanLine(run)
	index := run.Current
	if run.FailedStep >= 0 {
		index = run.FailedStep
	}
	update := dragonpilot.ProgressUpdate{
		PlanID:     run.Plan.ID,
		StepIndex:  index,
		StepCount:  len(run.steps),
		PlanStatus: status,
		Message:    msg,
		Time:       now,
	}
	if err != nil {
		update.Reason = err.Error()
		e.logger.Warn(msg, "plan_id", run.Plan.ID, "status", status, "error", err)
	} else {
		e.logger.Info(msg, "plan_id", run.Plan.ID, "status", status)
	}
	e.publish(ctx, eb, planEvent(status), update)
}

func stepEvent(status dragonpilot.StepStatus) eventbus.EventType {
	switch status {
	case dragonpilot.StepDispatched:
		return eventbus.EventStepDispatched
	case dragonpilot.StepVerifying:
		return eventbus.EventStepVerifying
	case dragonpilot.StepCompleted:
		return eventbus.EventStepCompleted
	case dragonpilot.StepTimedOut:
		return eventbus.EventStepTimedOut
	case dragonpilot.StepImpossible:
		return eventbus.EventStepImpossible
	case dragonpilot.StepAborted:
		return eventbus.EventStepAborted
	}
	return eventbus.EventStepFailed
}

func planEvent(status dragonpilot.PlanStatus) eventbus.EventType {
	switch status {
	case dragonpilot.PlanRunning:
		return eventbus.EventPlanStarted
	case dragonpilot.PlanCompleted:
		return eventbus.EventPlanCompleted
	case dragonpilot.PlanAborted:
		return eventbus.EventPlanAborted
	case dragonpilot.PlanFailed:
		return eventbus.EventPlanFailed
	}
	return eventbus.EventPlanAccepted
}
