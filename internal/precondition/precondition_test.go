package precondition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

func TestCompileAndCheck(t *testing.T) {
	g, err := Compile("orbit", []string{"in_air", "battery_percent > 20.0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"in_air", "battery_percent > 20.0"}, g.Expressions())

	snap := dragonpilot.TelemetrySnapshot{InAir: true, Health: dragonpilot.Health{BatteryPercent: 50}}
	assert.NoError(t, g.Check(snap))

	snap.Health.BatteryPercent = 10
	err = g.Check(snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, dragonpilot.ErrPrecondition)
	assert.Contains(t, err.Error(), "battery_percent > 20.0")
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := Compile("x", []string{"relative_altitude_m + 1.0"})
	assert.Error(t, err)
}

func TestCompileRejectsUnknownVariable(t *testing.T) {
	_, err := Compile("x", []string{"warp_drive_ready"})
	assert.Error(t, err)
}

func TestFlightModeComparison(t *testing.T) {
	g, err := Compile("land", []string{`flight_mode != "LAND"`})
	require.NoError(t, err)
	assert.NoError(t, g.Check(dragonpilot.TelemetrySnapshot{FlightMode: "HOLD"}))
	assert.Error(t, g.Check(dragonpilot.TelemetrySnapshot{FlightMode: "LAND"}))
}
