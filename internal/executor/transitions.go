package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/verifier"
)

func (e *Executor) newStateMachine() *StateMachine {
	sm := NewStateMachine(e.eventBus, e.now)
	sm.RegisterTransition(StateValidate, e.validateTransition)
	sm.RegisterTransition(StateStart, e.startTransition)
	sm.RegisterTransition(StateDispatch, e.dispatchTransition)
	sm.RegisterTransition(StateVerify, e.verifyTransition)
	sm.RegisterTransition(StateAdvance, e.advanceTransition)
	sm.RegisterTransition(StateCancelled, e.cancelledTransition)
	return sm
}

// validateTransition checks every step before the plan runs. Nothing is sent
// to the vehicle unless all steps name a known tool with valid arguments.
func (e *Executor) validateTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	if len(run.Plan.Steps) == 0 {
		e.setPlan(ctx, eb, run, dragonpilot.PlanFailed, dragonpilot.NewEmptyPlanError())
		return StateDone, nil
	}

	for i, step := range run.Plan.Steps {
		def, args, err := e.prepare(step)
		if err != nil {
			run.FailedStep = i
			run.steps[i].err = err
			e.setStep(ctx, eb, run, i, dragonpilot.StepFailed, err.Error())
			e.setPlan(ctx, eb, run, dragonpilot.PlanFailed, err)
			return StateDone, nil
		}
		run.steps[i].def = def
		run.steps[i].args = args
	}
	return StateStart, nil
}

func (e *Executor) prepare(step dragonpilot.PlanStep) (*dragonpilot.ToolDefinition, dragonpilot.ValidatedArgs, error) {
	def, err := e.registry.Lookup(step.Tool)
	if err != nil {
		return nil, nil, err
	}
	args, err := e.registry.ValidateArguments(step.Tool, step.Args)
	if err != nil {
		return nil, nil, err
	}
	// Tools without a resolver encode the same arguments at dispatch, so encoding
	// errors fail the plan before anything moves.
	if def.Resolve == nil {
		if _, err := def.Encode(args); err != nil {
			return nil, nil, schemaError(def.Name, dragonpilot.StageValidation, err)
		}
	}
	return def, args, nil
}

func schemaError(tool, stage string, err error) error {
	if errors.Is(err, dragonpilot.ErrSchema) {
		return err
	}
	return dragonpilot.NewError(dragonpilot.ErrCodeSchema, stage,
		fmt.Sprintf("invalid arguments for '%s'", tool), err)
}

func (e *Executor) startTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	e.setPlan(ctx, eb, run, dragonpilot.PlanRunning, nil)
	return StateDispatch, nil
}

func (e *Executor) dispatchTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	i := run.Current
	s := &run.steps[i]
	args := s.args

	if s.def.Guard != nil || s.def.Resolve != nil {
		snap, err := e.telemetry.Latest()
		if err != nil {
			return e.failStep(ctx, eb, run, i, err)
		}
		s.snapshot = &snap
		if s.def.Guard != nil {
			if err := s.def.Guard.Check(snap); err != nil {
				return e.failStep(ctx, eb, run, i, err)
			}
		}
		if s.def.Resolve != nil {
			resolved, err := s.def.Resolve(args, snap)
			if err != nil {
				return e.failStep(ctx, eb, run, i, schemaError(s.def.Name, dragonpilot.StageDispatch, err))
			}
			args = resolved
			s.args = resolved
		}
	}

	s.dispatchedAt = e.now()
	ack, err := e.commander.SendCommand(ctx, s.def, args)
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		return e.failStep(ctx, eb, run, i, err)
	}

	e.metrics.RecordDispatch(context.WithoutCancel(ctx), s.def.Name)
	e.logger.Debug("command accepted", "plan_id", run.Plan.ID, "step", i, "actions", strings.Join(ack.Actions, ","))
	e.setStep(ctx, eb, run, i, dragonpilot.StepDispatched, "")
	return StateVerify, nil
}

// failStep ends the plan as Failed at step i. There are no retries.
func (e *Executor) failStep(ctx context.Context, eb eventbus.EventBus, run *PlanRun, i int, err error) (RunState, error) {
	run.FailedStep = i
	run.steps[i].err = err
	e.setStep(ctx, eb, run, i, dragonpilot.StepFailed, err.Error())
	e.setPlan(ctx, eb, run, dragonpilot.PlanFailed, err)
	return StateDone, nil
}

func (e *Executor) verifyTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	i := run.Current
	s := &run.steps[i]
	e.setStep(ctx, eb, run, i, dragonpilot.StepVerifying, "")

	out, err := e.verifier.Verify(ctx, verifier.Request{Def: s.def, Args: s.args, DispatchedAt: s.dispatchedAt})
	s.evaluations = out.Evaluations
	if out.Snapshot != nil {
		s.snapshot = out.Snapshot
	}
	if out.Reason != "" {
		s.reason = out.Reason
	}

	// Cancellation wins over a verdict reached at the same time.
	if ctx.Err() != nil {
		return StateCancelled, nil
	}
	if err != nil {
		internal := dragonpilot.NewInternalError(dragonpilot.StageVerification, "verifier failed", err)
		run.FailedStep = i
		s.err = internal
		e.setStep(ctx, eb, run, i, dragonpilot.StepFailed, internal.Error())
		e.setPlan(ctx, eb, run, dragonpilot.PlanFailed, internal)
		return StateDone, internal
	}

	switch out.Terminal {
	case verifier.Satisfied:
		e.setStep(ctx, eb, run, i, dragonpilot.StepCompleted, "")
		if s.def.CompleteAction != nil {
			e.issueFollowUp(ctx, eb, run, i, *s.def.CompleteAction, "completion action",
				eventbus.EventCompleteActionIssued, eventbus.EventCompleteActionFailed)
		}
		return StateAdvance, nil
	case verifier.TimedOut:
		err := dragonpilot.NewTimedOutError(s.def.Name, s.def.MaxWait, out.Reason)
		run.FailedStep = i
		s.err = err
		e.setStep(ctx, eb, run, i, dragonpilot.StepTimedOut, "")
		e.setPlan(ctx, eb, run, dragonpilot.PlanAborted, err)
	default:
		err := dragonpilot.NewImpossibleError(s.def.Name, out.Reason)
		run.FailedStep = i
		s.err = err
		e.setStep(ctx, eb, run, i, dragonpilot.StepImpossible, "")
		e.setPlan(ctx, eb, run, dragonpilot.PlanAborted, err)
	}
	return StateDone, nil
}

func (e *Executor) advanceTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	if run.Current == len(run.steps)-1 {
		e.setPlan(ctx, eb, run, dragonpilot.PlanCompleted, nil)
		return StateDone, nil
	}
	run.Current++
	return StateDispatch, nil
}

// cancelledTransition stops the in-flight step, if any, and aborts the plan.
func (e *Executor) cancelledTransition(ctx context.Context, eb eventbus.EventBus, run *PlanRun) (RunState, error) {
	cancelErr := dragonpilot.NewCancelledError(dragonpilot.StageExecution, ctx.Err())
	i := run.Current
	s := &run.steps[i]
	if !s.dispatchedAt.IsZero() && !s.status.IsTerminal() {
		e.issueStop(ctx, eb, run, i)
		s.err = cancelErr
		e.setStep(ctx, eb, run, i, dragonpilot.StepAborted, "cancelled")
	}
	run.CancelledAt = i
	e.setPlan(ctx, eb, run, dragonpilot.PlanAborted, cancelErr)
	return StateDone, nil
}

// issueStop sends the tool's stop action on a fresh context. Failure is logged only.
func (e *Executor) issueStop(ctx context.Context, eb eventbus.EventBus, run *PlanRun, i int) {
	def := run.steps[i].def
	if def.StopAction == nil {
		return
	}
	if e.issueFollowUp(ctx, eb, run, i, *def.StopAction, "stop action",
		eventbus.EventStopActionIssued, eventbus.EventStopActionFailed) {
		e.metrics.RecordStopAction()
	}
}

// issueFollowUp sends a single command outside the step's dispatch, on a
// context that survives cancellation. It reports whether the vehicle accepted it.
func (e *Executor) issueFollowUp(ctx context.Context, eb eventbus.EventBus, run *PlanRun, i int,
	cmd dragonpilot.VehicleCommand, label string, issued, failed eventbus.EventType) bool {
	cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stopTimeout)
	defer cancel()

	def := run.steps[i].def
	update := dragonpilot.ProgressUpdate{
		PlanID:     run.Plan.ID,
		StepIndex:  i,
		StepCount:  len(run.steps),
		Tool:       def.Name,
		PlanStatus: run.Status,
		Time:       e.now(),
	}
	if err := e.commander.Stop(cmdCtx, cmd); err != nil {
		e.logger.Warn(label+" failed", "plan_id", run.Plan.ID, "step", i, "action", cmd.Action, "error", err)
		update.Message = fmt.Sprintf("step %d of %d: %s %s failed", i+1, len(run.steps), label, cmd.Action)
		update.Reason = err.Error()
		e.publish(ctx, eb, failed, update)
		return false
	}
	update.Message = fmt.Sprintf("step %d of %d: %s %s issued", i+1, len(run.steps), label, cmd.Action)
	e.publish(ctx, eb, issued, update)
	return true
}
