package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.TimeScale = 50
	return cfg
}

func streamUntil(t *testing.T, v *Vehicle, cond func(dragonpilot.TelemetrySnapshot) bool) dragonpilot.TelemetrySnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last dragonpilot.TelemetrySnapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = v.Stream(ctx, func(s dragonpilot.TelemetrySnapshot) {
			last = s
			if cond(s) {
				cancel()
			}
		})
	}()
	<-done
	require.True(t, cond(last), "condition not reached, last snapshot: %+v", last)
	return last
}

func send(t *testing.T, v *Vehicle, action string, params map[string]float64) {
	t.Helper()
	require.NoError(t, v.Send(context.Background(), dragonpilot.VehicleCommand{Action: action, Params: params}))
}

func TestTakeoffFlyLand(t *testing.T) {
	v := New(fastConfig())
	send(t, v, "arm", nil)
	send(t, v, "takeoff", map[string]float64{"altitude_m": 10})
	streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return s.Position.RelativeAltitudeM >= 9.99 })

	home := v.cfg.Home
	lat, lon := geo.Offset(home.LatitudeDeg, home.LongitudeDeg, 60, 0)
	send(t, v, "goto", map[string]float64{"latitude": lat, "longitude": lon, "altitude_m": 10, "speed_ms": 8})
	s := streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return s.FlightMode == ModeHold })
	assert.Less(t, geo.DistanceM(s.Position.LatitudeDeg, s.Position.LongitudeDeg, lat, lon), 1.0)

	send(t, v, "land", nil)
	s = streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return !s.Armed })
	assert.False(t, s.InAir)
}

func TestReturnToLaunchLandsAtHome(t *testing.T) {
	v := New(fastConfig())
	send(t, v, "arm", nil)
	send(t, v, "takeoff", map[string]float64{"altitude_m": 5})
	streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return s.Position.RelativeAltitudeM >= 4.99 })

	send(t, v, "return_to_launch", nil)
	s := streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return !s.Armed })
	assert.Less(t, geo.DistanceM(s.Position.LatitudeDeg, s.Position.LongitudeDeg, s.Home.LatitudeDeg, s.Home.LongitudeDeg), 1.0)
}

func TestRefusals(t *testing.T) {
	cfg := fastConfig()
	cfg.GPSLockAfter = time.Hour
	v := New(cfg)

	var refusal *link.Refusal
	err := v.Send(context.Background(), dragonpilot.VehicleCommand{Action: "arm"})
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "NOT_ARMABLE", refusal.Token)

	err = v.Send(context.Background(), dragonpilot.VehicleCommand{Action: "takeoff"})
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "COMMAND_DENIED", refusal.Token)

	err = v.Send(context.Background(), dragonpilot.VehicleCommand{Action: "warp"})
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "UNSUPPORTED", refusal.Token)
}

func TestGeofence(t *testing.T) {
	cfg := fastConfig()
	cfg.GeofenceRadiusM = 100
	v := New(cfg)
	send(t, v, "arm", nil)
	send(t, v, "takeoff", map[string]float64{"altitude_m": 5})
	streamUntil(t, v, func(s dragonpilot.TelemetrySnapshot) bool { return s.InAir })

	lat, lon := geo.Offset(cfg.Home.LatitudeDeg, cfg.Home.LongitudeDeg, 500, 0)
	err := v.Send(context.Background(), dragonpilot.VehicleCommand{Action: "goto", Params: map[string]float64{"latitude": lat, "longitude": lon}})
	var refusal *link.Refusal
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "GEOFENCE", refusal.Token)
}

func TestOfflineAndSequence(t *testing.T) {
	v := New(fastConfig())
	a := v.Snapshot()
	b := v.Snapshot()
	assert.Greater(t, b.Seq, a.Seq)

	v.SetOffline(true)
	assert.ErrorIs(t, v.Send(context.Background(), dragonpilot.VehicleCommand{Action: "hold"}), ErrOffline)
	assert.ErrorIs(t, v.Stream(context.Background(), func(dragonpilot.TelemetrySnapshot) {}), ErrOffline)
}
