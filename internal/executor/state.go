package executor

import (
	"context"
	"fmt"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
)

// RunState is a state of the plan-run automaton.
type RunState string

const (
	// StateValidate checks every step before anything is sent to the vehicle.
	StateValidate RunState = "validate"
	// StateStart moves the plan to Running.
	StateStart RunState = "start"
	// StateDispatch checks preconditions and sends the current step's commands.
	StateDispatch RunState = "dispatch"
	// StateVerify blocks on telemetry until the current step is decided.
	StateVerify RunState = "verify"
	// StateAdvance moves to the next step or completes the plan.
	StateAdvance RunState = "advance"
	// StateCancelled stops the in-flight step and aborts the plan.
	StateCancelled RunState = "cancelled"
	// StateDone is terminal.
	StateDone RunState = "done"
)

// interruptible states are the ones that talk to the vehicle. Cancellation observed
// before one of them routes the run to StateCancelled.
func (s RunState) interruptible() bool {
	return s == StateDispatch || s == StateVerify
}

// stepRun is the executor-owned runtime record of one step.
type stepRun struct {
	def          *dragonpilot.ToolDefinition
	args         dragonpilot.ValidatedArgs
	status       dragonpilot.StepStatus
	dispatchedAt time.Time
	finishedAt   time.Time
	reason       string
	err          error
	snapshot     *dragonpilot.TelemetrySnapshot
	evaluations  int
}

// PlanRun carries the data of one plan execution through the automaton.
// Only the executor goroutine driving the run mutates it.
type PlanRun struct {
	Plan    *dragonpilot.MissionPlan
	Status  dragonpilot.PlanStatus
	Current int

	FailedStep  int
	CancelledAt int
	LastError   error

	State           RunState
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[RunState]time.Time

	steps []stepRun
}

// NewPlanRun creates a pending run for plan.
func NewPlanRun(plan *dragonpilot.MissionPlan, now time.Time) *PlanRun {
	steps := make([]stepRun, len(plan.Steps))
	for i := range steps {
		steps[i].status = dragonpilot.StepPending
	}
	return &PlanRun{
		Plan:            plan,
		Status:          dragonpilot.PlanPending,
		FailedStep:      -1,
		CancelledAt:     -1,
		State:           StateValidate,
		StartTime:       now,
		StateStartTimes: map[RunState]time.Time{StateValidate: now},
		steps:           steps,
	}
}

// StepStatus returns the current status of step i.
func (r *PlanRun) StepStatus(i int) dragonpilot.StepStatus {
	return r.steps[i].status
}

// IsTerminal reports whether the automaton has finished.
func (r *PlanRun) IsTerminal() bool {
	return r.State == StateDone
}

func (r *PlanRun) enter(state RunState, now time.Time) {
	r.State = state
	r.StateStartTimes[state] = now
}

// finish sets the terminal plan status.
func (r *PlanRun) finish(status dragonpilot.PlanStatus, err error, now time.Time) {
	r.Status = status
	r.LastError = err
	r.EndTime = now
}

// Result builds the immutable ExecutionResult for the run.
func (r *PlanRun) Result() *dragonpilot.ExecutionResult {
	res := &dragonpilot.ExecutionResult{
		PlanID:      r.Plan.ID,
		PlanName:    r.Plan.Name,
		Status:      r.Status,
		Steps:       make([]dragonpilot.StepResult, len(r.steps)),
		FailedStep:  r.FailedStep,
		CancelledAt: r.CancelledAt,
		StartedAt:   r.StartTime,
		FinishedAt:  r.EndTime,
		Elapsed:     r.EndTime.Sub(r.StartTime),
	}
	if r.LastError != nil {
		res.Error = r.LastError.Error()
		res.Code = dragonpilot.CodeOf(r.LastError)
	}
	for i, s := range r.steps {
		sr := dragonpilot.StepResult{
			Index:       i,
			Tool:        r.Plan.Steps[i].Tool,
			Status:      s.status,
			Reason:      s.reason,
			Evaluations: s.evaluations,
		}
		if !s.dispatchedAt.IsZero() && !s.finishedAt.IsZero() {
			sr.Elapsed = s.finishedAt.Sub(s.dispatchedAt)
		}
		if s.err != nil {
			sr.Error = s.err.Error()
			sr.Code = dragonpilot.CodeOf(s.err)
		}
		if s.snapshot != nil {
			snap := *s.snapshot
			sr.Telemetry = &snap
		}
		res.Steps[i] = sr
	}
	return res
}

// StateTransition runs one state and names the next one.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, run *PlanRun) (RunState, error)

// StateMachine drives a PlanRun until StateDone.
type StateMachine struct {
	transitions map[RunState]StateTransition
	eventBus    eventbus.EventBus
	now         func() time.Time
}

// NewStateMachine creates a state machine publishing on eventBus, which may be nil.
func NewStateMachine(eventBus eventbus.EventBus, now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{
		transitions: make(map[RunState]StateTransition),
		eventBus:    eventBus,
		now:         now,
	}
}

// RegisterTransition registers the transition for state.
func (sm *StateMachine) RegisterTransition(state RunState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs transitions until the run is terminal. A transition error is an
// internal fault: the plan is marked Failed and the error returned.
func (sm *StateMachine) Execute(ctx context.Context, run *PlanRun) error {
	for !run.IsTerminal() {
		if ctx.Err() != nil && run.State.interruptible() {
			run.enter(StateCancelled, sm.now())
		}

		transition, exists := sm.transitions[run.State]
		if !exists {
			err := dragonpilot.NewInternalError(dragonpilot.StageExecution,
				fmt.Sprintf("no transition defined for state: %s", run.State), nil)
			run.finish(dragonpilot.PlanFailed, err, sm.now())
			run.enter(StateDone, run.EndTime)
			return err
		}

		next, err := transition(ctx, sm.eventBus, run)
		if err != nil {
			if !run.Status.IsTerminal() {
				run.finish(dragonpilot.PlanFailed, err, sm.now())
			}
			run.enter(StateDone, sm.now())
			return err
		}
		run.enter(next, sm.now())
	}
	return nil
}
