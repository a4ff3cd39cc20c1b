package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/executor"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
	"github.com/ZanzyTHEbar/dragonpilot/internal/tools"
	"github.com/ZanzyTHEbar/dragonpilot/internal/verifier"
)

func simEngine(t *testing.T) (*Engine, *sim.Vehicle) {
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
	require.Eventually(t, func() bool {
		_, err := l.Telemetry().Latest()
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	bus := eventbus.NewChannelEventBus(eventbus.WithBufferSize(256), eventbus.WithWorkerCount(1))
	t.Cleanup(func() { _ = bus.Close() })

	r := builtinRegistry(t)
	exec := executor.NewExecutor(r, commander, l.Telemetry(),
		verifier.New(l.Telemetry(), verifier.WithPollInterval(2*time.Millisecond)),
		executor.WithEventBus(bus))
	engine, err := New(r, l.Telemetry(), exec, WithEventBus(bus))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, vehicle
}

func TestEngine_SimulatedTakeoffAndLand(t *testing.T) {
	engine, vehicle := simEngine(t)
	res, err := engine.InvokePlan(context.Background(), twoStepPlan("sortie"))
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanCompleted, res.Status)
	assert.Equal(t, 2, res.CompletedSteps())
	assert.False(t, vehicle.Snapshot().Armed)
}

func TestEngine_StatusFollowsProgressEvents(t *testing.T) {
	engine, vehicle := simEngine(t)
	home := sim.DefaultConfig().Home
	lat, lon := geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 20000, 0)
	plan := &dragonpilot.MissionPlan{ID: "long-haul", Steps: []dragonpilot.PlanStep{
		{Tool: tools.ArmAndTakeoff, Args: map[string]interface{}{"altitude_m": 10}},
		{Tool: tools.FlyTo, Args: map[string]interface{}{"latitude": lat, "longitude": lon}},
	}}
	ctx := context.Background()
	_, err := engine.StartPlan(ctx, plan)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := engine.Status(ctx, "long-haul")
		return err == nil && status.CurrentStep == 1 && status.StepStatus == dragonpilot.StepVerifying
	}, 5*time.Second, 5*time.Millisecond)

	status, err := engine.Status(ctx, "long-haul")
	require.NoError(t, err)
	assert.Equal(t, dragonpilot.PlanRunning, status.Status)
	assert.Contains(t, status.Message, "step 2 of 2")

	ok, err := engine.Cancel(ctx, "long-haul")
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := engine.Wait(ctx, "long-haul")
	assert.ErrorIs(t, err, dragonpilot.ErrCancelled)
	assert.Equal(t, dragonpilot.PlanAborted, res.Status)
	assert.Equal(t, 1, res.CancelledAt)
	assert.Equal(t, sim.ModeHold, vehicle.Snapshot().FlightMode)
}
