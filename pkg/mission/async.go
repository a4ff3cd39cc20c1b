package mission

import (
	"context"
	"fmt"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/executor"
)

// ExecutionStatus is the live view of a plan run.
type ExecutionStatus struct {
	PlanID       string                 `json:"plan_id"`
	PlanName     string                 `json:"plan_name,omitempty"`
	Status       dragonpilot.PlanStatus `json:"status"`
	CurrentStep  int                    `json:"current_step"`
	StepCount    int                    `json:"step_count"`
	StepStatus   dragonpilot.StepStatus `json:"step_status,omitempty"`
	Message      string                 `json:"message,omitempty"`
	StartTime    time.Time              `json:"start_time"`
	Duration     time.Duration          `json:"duration_ns"`
	IsComplete   bool                   `json:"is_complete"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
}

type execution struct {
	plan      *dragonpilot.MissionPlan
	status    ExecutionStatus
	startTime time.Time
	endTime   time.Time
	result    *dragonpilot.ExecutionResult
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

// track records a new execution and announces it.
func (e *Engine) track(ctx context.Context, plan *dragonpilot.MissionPlan, cancel context.CancelFunc) *execution {
	now := e.now()
	rec := &execution{
		plan:      plan,
		startTime: now,
		cancel:    cancel,
		done:      make(chan struct{}),
		status: ExecutionStatus{
			PlanID:    plan.ID,
			PlanName:  plan.Name,
			Status:    dragonpilot.PlanPending,
			StepCount: len(plan.Steps),
			Message:   "mission accepted",
			StartTime: now,
		},
	}

	e.executionsMutex.Lock()
	e.executions[plan.ID] = rec
	e.executionsMutex.Unlock()

	e.publish(ctx, eventbus.EventPlanAccepted, dragonpilot.ProgressUpdate{
		PlanID:     plan.ID,
		StepCount:  len(plan.Steps),
		PlanStatus: dragonpilot.PlanPending,
		Message:    rec.status.Message,
		Time:       now,
	})
	return rec
}

func (e *Engine) finish(rec *execution, result *dragonpilot.ExecutionResult, err error) {
	e.executionsMutex.Lock()
	defer e.executionsMutex.Unlock()

	rec.result = result.Clone()
	rec.err = err
	rec.endTime = e.now()
	rec.status.Status = result.Status
	rec.status.IsComplete = true
	rec.status.Message = result.Summary()
	if err != nil {
		rec.status.ErrorMessage = err.Error()
		rec.status.ErrorCode = dragonpilot.CodeOf(err)
	}
}

// onProgress mirrors executor transitions into the execution records.
func (e *Engine) onProgress(_ context.Context, evt eventbus.Event) error {
	update, ok := evt.Payload().(dragonpilot.ProgressUpdate)
	if !ok {
		return nil
	}

	e.executionsMutex.Lock()
	defer e.executionsMutex.Unlock()

	rec, exists := e.executions[update.PlanID]
	// Events can trail the final result; the result wins.
	if !exists || rec.status.IsComplete {
		return nil
	}
	// With several bus workers the acceptance event may land after the start.
	if update.PlanStatus != dragonpilot.PlanPending || rec.status.Status == dragonpilot.PlanPending {
		rec.status.Status = update.PlanStatus
	}
	if update.To != "" {
		rec.status.CurrentStep = update.StepIndex
		rec.status.StepStatus = update.To
	}
	if update.Message != "" {
		rec.status.Message = update.Message
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType eventbus.EventType, update dragonpilot.ProgressUpdate) {
	if e.eventBus == nil {
		return
	}
	evt := eventbus.NewEvent(eventType, update, "mission.Engine", map[string]interface{}{
		"plan_id": update.PlanID,
	})
	if err := e.eventBus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

// StartPlan starts plan in the background and returns its ID.
// The run outlives ctx; use Cancel to stop it.
func (e *Engine) StartPlan(ctx context.Context, plan *dragonpilot.MissionPlan) (string, error) {
	plan = normalise(plan, e.now())
	if err := e.acquire(plan.ID); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := e.track(ctx, plan, cancel)
	go func() {
		defer cancel()
		_, _ = e.run(runCtx, rec)
	}()
	return plan.ID, nil
}

func (e *Engine) lookup(planID string) (*execution, bool) {
	e.executionsMutex.RLock()
	defer e.executionsMutex.RUnlock()
	rec, ok := e.executions[planID]
	return rec, ok
}

// Status returns the live status of a plan, falling back to stored history.
func (e *Engine) Status(ctx context.Context, planID string) (*ExecutionStatus, error) {
	if rec, ok := e.lookup(planID); ok {
		e.executionsMutex.RLock()
		defer e.executionsMutex.RUnlock()
		status := rec.status
		end := rec.endTime
		if end.IsZero() {
			end = e.now()
		}
		status.Duration = end.Sub(rec.startTime)
		return &status, nil
	}

	result, err := e.stored(ctx, planID)
	if err != nil {
		return nil, err
	}
	return statusFromResult(result), nil
}

func statusFromResult(r *dragonpilot.ExecutionResult) *ExecutionStatus {
	status := &ExecutionStatus{
		PlanID:       r.PlanID,
		PlanName:     r.PlanName,
		Status:       r.Status,
		StepCount:    len(r.Steps),
		Message:      r.Summary(),
		StartTime:    r.StartedAt,
		Duration:     r.Elapsed,
		IsComplete:   r.Status.IsTerminal(),
		ErrorMessage: r.Error,
		ErrorCode:    r.Code,
	}
	for i, s := range r.Steps {
		if s.Status != dragonpilot.StepPending {
			status.CurrentStep = i
			status.StepStatus = s.Status
		}
	}
	return status
}

func (e *Engine) stored(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	if e.store == nil {
		return nil, dragonpilot.NewNotFoundError(dragonpilot.StageExecution, "plan", planID)
	}
	return e.store.Get(ctx, planID)
}

// Result returns the terminal result of a plan. It fails with ErrNotFinished
// while the plan is still running.
func (e *Engine) Result(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	if rec, ok := e.lookup(planID); ok {
		e.executionsMutex.RLock()
		defer e.executionsMutex.RUnlock()
		if rec.result == nil {
			return nil, fmt.Errorf("plan %s is %s: %w", planID, rec.status.Status, ErrNotFinished)
		}
		return rec.result.Clone(), nil
	}
	return e.stored(ctx, planID)
}

// Wait blocks until the plan finishes or ctx is done, and returns what Execute returned.
func (e *Engine) Wait(ctx context.Context, planID string) (*dragonpilot.ExecutionResult, error) {
	rec, ok := e.lookup(planID)
	if !ok {
		return e.stored(ctx, planID)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.executionsMutex.RLock()
	defer e.executionsMutex.RUnlock()
	return rec.result.Clone(), rec.err
}

// Cancel requests cancellation of a running plan. It returns false when the plan
// had already finished.
func (e *Engine) Cancel(ctx context.Context, planID string) (bool, error) {
	rec, ok := e.lookup(planID)
	if !ok {
		return false, dragonpilot.NewNotFoundError(dragonpilot.StageExecution, "plan", planID)
	}

	e.executionsMutex.RLock()
	complete := rec.status.IsComplete
	cancel := rec.cancel
	current := rec.status.CurrentStep
	e.executionsMutex.RUnlock()

	if complete || cancel == nil {
		return false, nil
	}
	e.logger.Info("cancel requested", "plan_id", planID, "step", current)
	cancel()
	e.publish(ctx, eventbus.EventPlanCancelRequested, dragonpilot.ProgressUpdate{
		PlanID:     planID,
		StepIndex:  current,
		StepCount:  len(rec.plan.Steps),
		PlanStatus: dragonpilot.PlanRunning,
		Message:    "cancel requested",
		Time:       e.now(),
	})
	return true, nil
}

// ListExecutions returns every tracked plan and its current status.
func (e *Engine) ListExecutions() map[string]dragonpilot.PlanStatus {
	e.executionsMutex.RLock()
	defer e.executionsMutex.RUnlock()

	result := make(map[string]dragonpilot.PlanStatus, len(e.executions))
	for id, rec := range e.executions {
		result[id] = rec.status.Status
	}
	return result
}

// CleanupCompleted forgets finished executions older than olderThan. Stored
// history is untouched.
func (e *Engine) CleanupCompleted(olderThan time.Duration) int {
	e.executionsMutex.Lock()
	defer e.executionsMutex.Unlock()

	now := e.now()
	count := 0
	for id, rec := range e.executions {
		if rec.status.IsComplete && now.Sub(rec.endTime) > olderThan {
			delete(e.executions, id)
			count++
		}
	}
	return count
}

// LoadPlan reads a YAML or JSON mission file.
func LoadPlan(path string) (*dragonpilot.MissionPlan, error) {
	return executor.LoadAndValidateMission(path)
}
