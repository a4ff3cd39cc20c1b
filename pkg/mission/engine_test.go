package mission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
	"github.com/ZanzyTHEbar/dragonpilot/internal/store"
	"github.com/ZanzyTHEbar/dragonpilot/internal/tools"
)

// gateExecutor holds every plan until released or cancelled.
type gateExecutor struct {
	started chan string
	release chan struct{}
}

func newGateExecutor() *gateExecutor {
	return &gateExecutor{started: make(chan string, 4), release: make(chan struct{})}
}

func (g *gateExecutor) Execute(ctx context.Context, plan *dragonpilot.MissionPlan) (*dragonpilot.ExecutionResult, error) {
	g.started <- plan.ID
	res := &dragonpilot.ExecutionResult{
		PlanID: plan.ID, PlanName: plan.Name, FailedStep: -1, CancelledAt: -1,
		Steps: make([]dragonpilot.StepResult, len(plan.Steps)),
	}
	for i, s := range plan.Steps {
		res.Steps[i] = dragonpilot.StepResult{Index: i, Tool: s.Tool, Status: dragonpilot.StepPending}
	}
	select {
	case <-g.release:
		res.Status = dragonpilot.PlanCompleted
		for i := range res.Steps {
			res.Steps[i].Status = dragonpilot.StepCompleted
		}
		return res, nil
	case <-ctx.Done():
		err := dragonpilot.NewCancelledError(dragonpilot.StageExecution, ctx.Err())
		res.Status = dragonpilot.PlanAborted
		res.CancelledAt = 0
		res.Error = err.Error()
		res.Code = dragonpilot.CodeOf(err)
		return res, err
	}
}

type staticSource struct{}

func (staticSource) Latest() (dragonpilot.TelemetrySnapshot, error) {
	return dragonpilot.TelemetrySnapshot{Time: time.Now(), FlightMode: "HOLD"}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func builtinRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, tools.RegisterBuiltins(r))
	return r
}

func twoStepPlan(id string) *dragonpilot.MissionPlan {
	return &dragonpilot.MissionPlan{ID: id, Name: "hop", Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.Land, Args: map[string]interface{}{}},
	}}
}

func TestNew_RequiresComponents(t *testing.T) {
	r := builtinRegistry(t)
	_, err := New(nil, staticSource{}, newGateExecutor())
	assert.Error(t, err)
	_, err = New(r, nil, newGateExecutor())
	assert.Error(t, err)
	_, err = New(r, staticSource{}, nil)
	assert.Error(t, err)
}

func TestEngine_ListToolsAndTelemetry(t *testing.T) {
	engine, err := New(builtinRegistry(t), staticSource{}, newGateExecutor())
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, s := range engine.ListTools() {
		names[s.Name] = true
	}
	assert.True(t, names[tools.FlyTo])
	assert.True(t, names[tools.ReturnToLaunch])

	snap, err := engine.LatestTelemetry()
	require.NoError(t, err)
	assert.Equal(t, "HOLD", snap.FlightMode)
}

func TestEngine_SecondPlanIsRejectedWhileBusy(t *testing.T) {
	exec := newGateExecutor()
	engine, err := New(builtinRegistry(t), staticSource{}, exec)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := engine.StartPlan(ctx, twoStepPlan("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", id)
	<-exec.started

	running, ok := engine.Running()
	assert.True(t, ok)
	assert.Equal(t, "first", running)

	_, err = engine.StartPlan(ctx, twoStepPlan("second"))
	assert.ErrorIs(t, err, dragonpilot.ErrBusy)
	res, err := engine.InvokePlan(ctx, twoStepPlan("third"))
	assert.ErrorIs(t, err, dragonpilot.ErrBusy)
	assert.Nil(t, res)
	assert.NotContains(t, engine.ListExecutions(), "second")

	_, err = engine.Result(ctx, "first")
	assert.ErrorIs(t, err, ErrNotFinished)

	close(exec.release)
	res, err = engine.Wait(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanCompleted, res.Status)

	_, ok = engine.Running()
	assert.False(t, ok)
	id, err = engine.StartPlan(ctx, twoStepPlan("fourth"))
	require.NoError(t, err)
	_, err = engine.Wait(ctx, id)
	require.NoError(t, err)
}

func TestEngine_CancelAbortsRunningPlan(t *testing.T) {
	exec := newGateExecutor()
	engine, err := New(builtinRegistry(t), staticSource{}, exec)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := engine.StartPlan(ctx, twoStepPlan(""))
	require.NoError(t, err)
	require.NotEmpty(t, id, "an ID is assigned when the plan has none")
	<-exec.started

	cancelled, err := engine.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	res, err := engine.Wait(ctx, id)
	assert.ErrorIs(t, err, dragonpilot.ErrCancelled)
	assert.Equal(t, dragonpilot.PlanAborted, res.Status)
	assert.Equal(t, 0, res.CancelledAt)

	cancelled, err = engine.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, cancelled, "finished plans cannot be cancelled")

	status, err := engine.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.Equal(t, dragonpilot.ErrCodeCancelled, status.ErrorCode)
}

func TestEngine_UnknownPlan(t *testing.T) {
	engine, err := New(builtinRegistry(t), staticSource{}, newGateExecutor())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.Status(ctx, "nope")
	assert.ErrorIs(t, err, dragonpilot.ErrNotFound)
	_, err = engine.Result(ctx, "nope")
	assert.ErrorIs(t, err, dragonpilot.ErrNotFound)
	_, err = engine.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, dragonpilot.ErrNotFound)
}

func TestEngine_CleanupFallsBackToHistory(t *testing.T) {
	exec := newGateExecutor()
	close(exec.release)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	history := store.NewMemoryStore(time.Hour, nil)
	defer history.Close()

	engine, err := New(builtinRegistry(t), staticSource{}, exec, WithStore(history), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := engine.InvokePlan(ctx, twoStepPlan("kept"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.CompletedSteps())

	assert.Zero(t, engine.CleanupCompleted(time.Minute))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, engine.CleanupCompleted(time.Minute))
	assert.Empty(t, engine.ListExecutions())

	status, err := engine.Status(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanCompleted, status.Status)
	assert.Equal(t, 1, status.CurrentStep)

	stored, err := engine.Result(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "hop", stored.PlanName)

	recent, err := engine.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestEngine_ExecutorWithoutResult(t *testing.T) {
	engine, err := New(builtinRegistry(t), staticSource{}, nilExecutor{})
	require.NoError(t, err)

	res, err := engine.InvokePlan(context.Background(), twoStepPlan("x"))
	assert.ErrorIs(t, err, dragonpilot.ErrInternal)
	require.NotNil(t, res)
	assert.Equal(t, dragonpilot.PlanFailed, res.Status)
}

type nilExecutor struct{}

func (nilExecutor) Execute(context.Context, *dragonpilot.MissionPlan) (*dragonpilot.ExecutionResult, error) {
	return nil, errors.New("boom")
}
