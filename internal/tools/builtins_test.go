package tools

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
)

var home = dragonpilot.Position{LatitudeDeg: 47.397742, LongitudeDeg: 8.545594, AbsoluteAltitudeM: 488}

func flying(alt float64) dragonpilot.TelemetrySnapshot {
	pos := home
	pos.RelativeAltitudeM = alt
	pos.AbsoluteAltitudeM += alt
	return dragonpilot.TelemetrySnapshot{
		Seq:      1,
		Time:     time.Unix(1000, 0),
		Position: pos,
		Home:     home,
		Armed:    true,
		InAir:    alt > 0.5,
		Health:   dragonpilot.Health{GlobalPositionOK: true, HomePositionOK: true, Armable: true, BatteryPercent: 90},
	}
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func evaluate(t *testing.T, r *registry.Registry, tool string, args dragonpilot.ValidatedArgs, snap dragonpilot.TelemetrySnapshot, dispatched time.Time) dragonpilot.Evaluation {
	t.Helper()
	def, err := r.Lookup(tool)
	require.NoError(t, err)
	return def.Predicate(dragonpilot.PredicateInput{Snapshot: snap, Args: args, Tolerance: def.Tolerance, DispatchedAt: dispatched})
}

func TestBuiltinsCoverEveryKindButCatalog(t *testing.T) {
	for _, kind := range dragonpilot.Kinds() {
		_, ok := Builtin(kind)
		assert.Equal(t, kind != dragonpilot.KindCatalog, ok, "kind %s", kind)
	}
	r := newRegistry(t)
	assert.Equal(t, []string{
		ArmAndTakeoff, FlyRelative, FlyTo, Hold, Land, Orbit, PreFlightCheck, ReturnToLaunch,
	}, r.Names())
}

func TestTakeoffCompletesAtNinetyFivePercent(t *testing.T) {
	r := newRegistry(t)
	args := dragonpilot.ValidatedArgs{"altitude_m": 10.0}
	dispatched := time.Unix(999, 0)

	assert.Equal(t, dragonpilot.VerdictNotYet, evaluate(t, r, ArmAndTakeoff, args, flying(9.4), dispatched).Verdict)
	assert.Equal(t, dragonpilot.VerdictSatisfied, evaluate(t, r, ArmAndTakeoff, args, flying(9.5), dispatched).Verdict)
}

func TestTakeoffImpossibleWhenDisarmedAfterGrace(t *testing.T) {
	r := newRegistry(t)
	args := dragonpilot.ValidatedArgs{"altitude_m": 10.0}
	snap := flying(0)
	snap.Armed = false

	early := evaluate(t, r, ArmAndTakeoff, args, snap, snap.Time.Add(-time.Second))
	assert.Equal(t, dragonpilot.VerdictNotYet, early.Verdict)

	late := evaluate(t, r, ArmAndTakeoff, args, snap, snap.Time.Add(-10*time.Second))
	assert.Equal(t, dragonpilot.VerdictImpossible, late.Verdict)
	assert.Contains(t, late.Reason, "disarmed")
}

func TestFlyToResolvesCurrentAltitude(t *testing.T) {
	r := newRegistry(t)
	def, err := r.Lookup(FlyTo)
	require.NoError(t, err)

	args, err := r.ValidateArguments(FlyTo, map[string]interface{}{"latitude": 47.3980, "longitude": 8.5460})
	require.NoError(t, err)
	assert.Equal(t, DefaultSpeedMS, args["speed_ms"])
	_, hasAlt := args["altitude_m"]
	assert.False(t, hasAlt)

	resolved, err := def.Resolve(args, flying(12))
	require.NoError(t, err)
	assert.Equal(t, 12.0, resolved["target_altitude_m"])

	cmds, err := def.Encode(resolved)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, ActionGoto, cmds[0].Action)
	assert.Equal(t, 12.0, cmds[0].Params["altitude_m"])
}

func TestFlyToArrivalRadius(t *testing.T) {
	r := newRegistry(t)
	lat, lon := geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 100, 0)
	args := dragonpilot.ValidatedArgs{"target_latitude": lat, "target_longitude": lon, "target_altitude_m": 10.0}

	far := flying(10)
	assert.Equal(t, dragonpilot.VerdictNotYet, evaluate(t, r, FlyTo, args, far, far.Time).Verdict)

	near := flying(10)
	near.Position.LatitudeDeg, near.Position.LongitudeDeg = geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 97, 0)
	assert.Equal(t, dragonpilot.VerdictSatisfied, evaluate(t, r, FlyTo, args, near, near.Time).Verdict)

	disarmed := near
	disarmed.Armed = false
	assert.Equal(t, dragonpilot.VerdictImpossible, evaluate(t, r, FlyTo, args, disarmed, near.Time).Verdict)
}

func TestFlyRelativeUsesHeading(t *testing.T) {
	r := newRegistry(t)
	def, err := r.Lookup(FlyRelative)
	require.NoError(t, err)

	args, err := r.ValidateArguments(FlyRelative, map[string]interface{}{"forward_m": 20})
	require.NoError(t, err)

	snap := flying(10)
	snap.HeadingDeg = 90
	resolved, err := def.Resolve(args, snap)
	require.NoError(t, err)

	n, e := geo.LocalNE(home.LatitudeDeg, home.LongitudeDeg, resolved["target_latitude"].(float64), resolved["target_longitude"].(float64))
	assert.InDelta(t, 0, n, 0.01)
	assert.InDelta(t, 20, e, 0.01)
	assert.Equal(t, 10.0, resolved["target_altitude_m"])

	_, err = def.Resolve(dragonpilot.ValidatedArgs{"down_m": 20.0}, snap)
	assert.Error(t, err)
}

func TestTimedToolsUseSnapshotClock(t *testing.T) {
	r := newRegistry(t)
	snap := flying(10)
	args := dragonpilot.ValidatedArgs{"duration_s": 3.0}

	assert.Equal(t, dragonpilot.VerdictNotYet, evaluate(t, r, Hold, args, snap, snap.Time.Add(-2*time.Second)).Verdict)
	assert.Equal(t, dragonpilot.VerdictSatisfied, evaluate(t, r, Hold, args, snap, snap.Time.Add(-3*time.Second)).Verdict)

	orbitArgs := dragonpilot.ValidatedArgs{"latitude": home.LatitudeDeg, "longitude": home.LongitudeDeg, "duration_s": 3.0}
	landed := snap
	landed.InAir = false
	assert.Equal(t, dragonpilot.VerdictImpossible, evaluate(t, r, Orbit, orbitArgs, landed, snap.Time).Verdict)
}

func TestLandCompletesOnDisarm(t *testing.T) {
	r := newRegistry(t)
	snap := flying(0)
	assert.Equal(t, dragonpilot.VerdictNotYet, evaluate(t, r, Land, nil, snap, snap.Time).Verdict)
	snap.Armed = false
	assert.Equal(t, dragonpilot.VerdictSatisfied, evaluate(t, r, Land, nil, snap, snap.Time).Verdict)
	assert.Equal(t, dragonpilot.VerdictSatisfied, evaluate(t, r, ReturnToLaunch, nil, snap, snap.Time).Verdict)
}

func TestArgumentBoundsRejectOutOfRangeValues(t *testing.T) {
	r := newRegistry(t)
	cases := []struct {
		tool string
		args map[string]interface{}
		bad  []string
	}{
		{ArmAndTakeoff, map[string]interface{}{"altitude_m": -3.0}, []string{"altitude_m"}},
		{ArmAndTakeoff, map[string]interface{}{"altitude_m": 0}, []string{"altitude_m"}},
		{ArmAndTakeoff, map[string]interface{}{"altitude_m": MaxAltitudeM + 1}, []string{"altitude_m"}},
		{FlyTo, map[string]interface{}{"latitude": 200, "longitude": 8.5}, []string{"latitude"}},
		{FlyTo, map[string]interface{}{"latitude": 47.0, "longitude": -181, "speed_ms": 100}, []string{"longitude", "speed_ms"}},
		{FlyTo, map[string]interface{}{"latitude": 47.0, "longitude": 8.5, "speed_ms": 0}, []string{"speed_ms"}},
		{FlyRelative, map[string]interface{}{"forward_m": 10, "speed_ms": 30}, []string{"speed_ms"}},
		{Orbit, map[string]interface{}{"latitude": 47.0, "longitude": 8.5, "radius_m": 2}, []string{"radius_m"}},
		{Orbit, map[string]interface{}{"latitude": 47.0, "longitude": 8.5, "duration_s": -1}, []string{"duration_s"}},
		{Hold, map[string]interface{}{"duration_s": MaxTimedDurationS + 1}, []string{"duration_s"}},
	}
	for _, tc := range cases {
		_, err := r.ValidateArguments(tc.tool, tc.args)
		var schemaErr *dragonpilot.SchemaError
		require.ErrorAs(t, err, &schemaErr, "%s %v", tc.tool, tc.args)
		assert.Equal(t, tc.bad, schemaErr.OutOfRange, "%s %v", tc.tool, tc.args)
		assert.ErrorIs(t, err, dragonpilot.ErrSchema)
	}

	args, err := r.ValidateArguments(Hold, map[string]interface{}{"duration_s": MaxTimedDurationS})
	require.NoError(t, err)
	assert.Equal(t, MaxTimedDurationS, args["duration_s"])
}

func TestEncodersProduceCommands(t *testing.T) {
	r := newRegistry(t)
	takeoff, _ := r.Lookup(ArmAndTakeoff)
	cmds, err := takeoff.Encode(dragonpilot.ValidatedArgs{"altitude_m": 10.0})
	require.NoError(t, err)
	assert.Equal(t, []string{ActionArm, ActionTakeoff}, []string{cmds[0].Action, cmds[1].Action})

	flyToDef, _ := r.Lookup(FlyTo)
	_, err = flyToDef.Encode(dragonpilot.ValidatedArgs{"latitude": 47.0, "longitude": 8.5})
	assert.Error(t, err, "goto needs resolved targets")
}

func TestFlyToTimeoutAndOrbitCompletion(t *testing.T) {
	r := newRegistry(t)
	flyToDef, _ := r.Lookup(FlyTo)
	assert.Equal(t, 60*time.Second, flyToDef.MaxWait)

	orbitDef, _ := r.Lookup(Orbit)
	require.NotNil(t, orbitDef.CompleteAction)
	assert.Equal(t, ActionHold, orbitDef.CompleteAction.Action)
}

func TestFlyToArrivalIgnoresAltitude(t *testing.T) {
	r := newRegistry(t)
	args := dragonpilot.ValidatedArgs{"target_latitude": home.LatitudeDeg, "target_longitude": home.LongitudeDeg, "target_altitude_m": 30.0}
	snap := flying(10)
	eval := evaluate(t, r, FlyTo, args, snap, snap.Time)
	assert.Equal(t, dragonpilot.VerdictSatisfied, eval.Verdict)
}

func TestPreconditionsCompiled(t *testing.T) {
	r := newRegistry(t)
	def, _ := r.Lookup(Orbit)
	require.NotNil(t, def.Guard)

	ground := flying(0)
	assert.ErrorIs(t, def.Guard.Check(ground), dragonpilot.ErrPrecondition)
	assert.NoError(t, def.Guard.Check(flying(20)))
}

// Predicates are pure: evaluating the same snapshot twice yields the same verdict.
func TestPredicateIdempotence(t *testing.T) {
	r := newRegistry(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	dispatched := time.Unix(900, 0)
	properties.Property("fly_to verdict is stable", prop.ForAll(
		func(north, east, alt float64, armed bool) bool {
			snap := flying(alt)
			snap.Armed = armed
			snap.Position.LatitudeDeg, snap.Position.LongitudeDeg = geo.Offset(home.LatitudeDeg, home.LongitudeDeg, north, east)
			args := dragonpilot.ValidatedArgs{"target_latitude": home.LatitudeDeg, "target_longitude": home.LongitudeDeg, "target_altitude_m": 10.0}
			a := evaluate(t, r, FlyTo, args, snap, dispatched)
			b := evaluate(t, r, FlyTo, args, snap, dispatched)
			return a == b
		},
		gen.Float64Range(-50, 50),
		gen.Float64Range(-50, 50),
		gen.Float64Range(0, 30),
		gen.Bool(),
	))

	properties.Property("takeoff verdict is stable", prop.ForAll(
		func(alt, target float64) bool {
			snap := flying(alt)
			args := dragonpilot.ValidatedArgs{"altitude_m": target}
			a := evaluate(t, r, ArmAndTakeoff, args, snap, dispatched)
			b := evaluate(t, r, ArmAndTakeoff, args, snap, dispatched)
			return a == b
		},
		gen.Float64Range(0, 60),
		gen.Float64Range(1, 50),
	))

	properties.TestingRun(t)
}
