package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
	"github.com/ZanzyTHEbar/dragonpilot/internal/tools"
	"github.com/ZanzyTHEbar/dragonpilot/internal/verifier"
)

// simRig wires the executor to the simulated vehicle through a real link.
func simRig(t *testing.T, overrides map[string]time.Duration) (*Executor, *sim.Vehicle) {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.TimeScale = 50
	vehicle := sim.New(cfg)

	l := link.New(vehicle, link.WithReconnectInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = l.Run(ctx) }()

	commander, err := l.Commander()
	require.NoError(t, err)

	r := registry.New()
	for _, def := range tools.Builtins() {
		if d, ok := overrides[def.Name]; ok {
			def.MaxWait = d
		}
		require.NoError(t, r.Register(def))
	}

	require.Eventually(t, func() bool {
		_, err := l.Telemetry().Latest()
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	exec := NewExecutor(r, commander, l.Telemetry(),
		verifier.New(l.Telemetry(), verifier.WithPollInterval(2*time.Millisecond)))
	return exec, vehicle
}

func actions(cmds []dragonpilot.VehicleCommand) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Action
	}
	return out
}

func TestScenario_TakeoffCompletes(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanCompleted, res.Status)
	assert.Equal(t, 1, res.CompletedSteps())
	require.NotNil(t, res.Steps[0].Telemetry)
	assert.GreaterOrEqual(t, res.Steps[0].Telemetry.Position.RelativeAltitudeM, 10*tools.TakeoffAltitudeRatio)
	assert.Equal(t, []string{"arm", "takeoff"}, actions(vehicle.Sent()))
}

func TestScenario_FlyToNeverConvergesAborts(t *testing.T) {
	exec, vehicle := simRig(t, map[string]time.Duration{tools.FlyTo: 300 * time.Millisecond})
	home := sim.DefaultConfig().Home
	lat, lon := geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 20000, 0)
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.FlyTo, Args: map[string]interface{}{"latitude": lat, "longitude": lon}},
		{Tool: tools.Land, Args: map[string]interface{}{}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrTimedOut)
	assert.Equal(t, dragonpilot.PlanAborted, res.Status)
	assert.Equal(t, 1, res.FailedStep)
	assert.Equal(t, dragonpilot.StepTimedOut, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].Reason, "from target")
	assert.Equal(t, dragonpilot.StepPending, res.Steps[2].Status)
	assert.NotContains(t, actions(vehicle.Sent()), "land")
}

func TestScenario_RejectedTakeoffFails(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	vehicle.Refuse("arm", "NOT_ARMABLE")
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.FlyRelative, Args: map[string]interface{}{"forward_m": 20}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrRejected)
	assert.Equal(t, dragonpilot.PlanFailed, res.Status)
	assert.Equal(t, 0, res.FailedStep)
	assert.Equal(t, dragonpilot.ErrCodeRejected, res.Steps[0].Code)
	assert.Zero(t, res.Steps[0].Evaluations)
	assert.Empty(t, vehicle.Sent())
}

func TestScenario_UnknownToolNeverStarts(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: "barrel_roll", Args: map[string]interface{}{}},
		{Tool: tools.Land, Args: map[string]interface{}{}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrUnknownTool)
	assert.Equal(t, dragonpilot.PlanFailed, res.Status)
	assert.Equal(t, 1, res.FailedStep)
	for _, s := range []int{0, 2} {
		assert.Equal(t, dragonpilot.StepPending, res.Steps[s].Status)
	}
	assert.Empty(t, vehicle.Sent())
}

func TestScenario_CancelDuringFlightIssuesHold(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	home := sim.DefaultConfig().Home
	lat, lon := geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 20000, 0)
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.FlyTo, Args: map[string]interface{}{"latitude": lat, "longitude": lon}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Cancel once the goto is under way.
		for ctx.Err() == nil {
			for _, a := range actions(vehicle.Sent()) {
				if a == "goto" {
					time.Sleep(20 * time.Millisecond)
					cancel()
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	res, err := exec.Execute(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrCancelled)
	assert.Equal(t, dragonpilot.PlanAborted, res.Status)
	assert.Equal(t, 1, res.CancelledAt)
	assert.Equal(t, dragonpilot.StepAborted, res.Steps[1].Status)

	sent := actions(vehicle.Sent())
	assert.Equal(t, "hold", sent[len(sent)-1])
	assert.Equal(t, sim.ModeHold, vehicle.Snapshot().FlightMode)
}

func TestScenario_OutOfRangeCoordinateSendsNothing(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.FlyTo, Args: map[string]interface{}{"latitude": 200, "longitude": 8.5, "speed_ms": 100}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrSchema)
	assert.Equal(t, dragonpilot.PlanFailed, res.Status)
	assert.Equal(t, 1, res.FailedStep)
	assert.Equal(t, dragonpilot.StepPending, res.Steps[0].Status)

	var schemaErr *dragonpilot.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, []string{"latitude", "speed_ms"}, schemaErr.OutOfRange)
	assert.Empty(t, vehicle.Sent())
}

func TestScenario_OrbitEndsInHold(t *testing.T) {
	exec, vehicle := simRig(t, nil)
	home := sim.DefaultConfig().Home
	p := &dragonpilot.MissionPlan{ID: NewPlanID(), Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.Orbit, Args: map[string]interface{}{
			"latitude": home.LatitudeDeg, "longitude": home.LongitudeDeg, "radius_m": 20, "duration_s": 0.3,
		}},
	}}

	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanCompleted, res.Status)
	assert.Equal(t, []string{"arm", "takeoff", "orbit", "hold"}, actions(vehicle.Sent()))
	assert.Equal(t, sim.ModeHold, vehicle.Snapshot().FlightMode)
}
