// Package sim is an in-process kinematic multicopter used as a link transport
// for development and tests. It models arming, climbs, point-to-point flight,
// orbits, landing and return to launch at constant rates.
package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
)

// Flight modes reported in telemetry.
const (
	ModeHold    = "HOLD"
	ModeTakeoff = "TAKEOFF"
	ModeGoto    = "GOTO"
	ModeOrbit   = "ORBIT"
	ModeLand    = "LAND"
	ModeRTL     = "RTL"
)

// ErrOffline is returned while the simulated link is down.
var ErrOffline = errors.New("sim: connection refused")

// Config sets the simulated airframe.
type Config struct {
	Home            dragonpilot.Position `yaml:"home"`
	TickInterval    time.Duration        `yaml:"tick_interval"`
	TimeScale       float64              `yaml:"time_scale"`
	ClimbRateMS     float64              `yaml:"climb_rate_m_s"`
	DescentRateMS   float64              `yaml:"descent_rate_m_s"`
	GPSLockAfter    time.Duration        `yaml:"gps_lock_after"`
	GeofenceRadiusM float64              `yaml:"geofence_radius_m"`
	RTLAltitudeM    float64              `yaml:"rtl_altitude_m"`
}

// DefaultConfig places the vehicle at the PX4 SITL default home.
func DefaultConfig() Config {
	return Config{
		Home:          dragonpilot.Position{LatitudeDeg: 47.397742, LongitudeDeg: 8.545594, AbsoluteAltitudeM: 488},
		TickInterval:  50 * time.Millisecond,
		TimeScale:     1,
		ClimbRateMS:   3,
		DescentRateMS: 2,
		RTLAltitudeM:  15,
	}
}

type target struct {
	lat, lon, alt, speed float64
}

type orbitState struct {
	lat, lon, radius, speed float64
}

// Vehicle is the simulated aircraft. It implements link.Transport.
type Vehicle struct {
	mu       sync.Mutex
	cfg      Config
	started  time.Time
	lastStep time.Time
	seq      uint64

	lat, lon, alt float64
	heading       float64
	vel           dragonpilot.Velocity
	armed         bool
	mode          string
	target        *target
	orbit         *orbitState
	landAfter     bool
	battery       float64

	failsafe bool
	offline  bool
	frozen   bool
	refuse   map[string]string
	sent     []dragonpilot.VehicleCommand
}

var _ link.Transport = (*Vehicle)(nil)

// New creates a vehicle sitting disarmed at home.
func New(cfg Config) *Vehicle {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = def.TimeScale
	}
	if cfg.ClimbRateMS <= 0 {
		cfg.ClimbRateMS = def.ClimbRateMS
	}
	if cfg.DescentRateMS <= 0 {
		cfg.DescentRateMS = def.DescentRateMS
	}
	if cfg.RTLAltitudeM <= 0 {
		cfg.RTLAltitudeM = def.RTLAltitudeM
	}
	if cfg.Home.LatitudeDeg == 0 && cfg.Home.LongitudeDeg == 0 {
		cfg.Home = def.Home
	}
	now := time.Now()
	return &Vehicle{
		cfg:      cfg,
		started:  now,
		lastStep: now,
		lat:      cfg.Home.LatitudeDeg,
		lon:      cfg.Home.LongitudeDeg,
		mode:     ModeHold,
		battery:  100,
		refuse:   make(map[string]string),
	}
}

// Vendor implements link.Transport.
func (v *Vehicle) Vendor() string { return "px4" }

// Send implements link.Transport.
func (v *Vehicle) Send(ctx context.Context, cmd dragonpilot.VehicleCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.offline {
		return ErrOffline
	}
	v.stepLocked(time.Now())
	if token, ok := v.refuse[cmd.Action]; ok {
		return &link.Refusal{Action: cmd.Action, Token: token, Detail: "injected"}
	}
	v.sent = append(v.sent, cmd)

	inAir := v.alt > 0.3
	switch cmd.Action {
	case "health_check":
		return nil
	case "arm":
		if v.failsafe {
			return &link.Refusal{Action: cmd.Action, Token: "ARMING_DENIED", Detail: "failsafe active"}
		}
		if !v.healthyLocked() {
			return &link.Refusal{Action: cmd.Action, Token: "NOT_ARMABLE", Detail: "no position lock"}
		}
		v.armed = true
		return nil
	case "takeoff":
		if !v.armed {
			return &link.Refusal{Action: cmd.Action, Token: "COMMAND_DENIED", Detail: "vehicle not armed"}
		}
		v.target = &target{lat: v.lat, lon: v.lon, alt: cmd.Params["altitude_m"]}
		v.orbit = nil
		v.mode = ModeTakeoff
		return nil
	case "goto":
		if !v.armed || !inAir {
			return &link.Refusal{Action: cmd.Action, Token: "NOT_IN_AIR"}
		}
		lat, lon := cmd.Params["latitude"], cmd.Params["longitude"]
		if v.cfg.GeofenceRadiusM > 0 && geo.DistanceM(v.cfg.Home.LatitudeDeg, v.cfg.Home.LongitudeDeg, lat, lon) > v.cfg.GeofenceRadiusM {
			return &link.Refusal{Action: cmd.Action, Token: "GEOFENCE", Detail: "target outside fence"}
		}
		speed := cmd.Params["speed_ms"]
		if speed <= 0 {
			speed = 5
		}
		v.target = &target{lat: lat, lon: lon, alt: cmd.Params["altitude_m"], speed: speed}
		v.orbit = nil
		v.landAfter = false
		v.mode = ModeGoto
		return nil
	case "orbit":
		if !v.armed || !inAir {
			return &link.Refusal{Action: cmd.Action, Token: "NOT_IN_AIR"}
		}
		v.orbit = &orbitState{
			lat: cmd.Params["latitude"], lon: cmd.Params["longitude"],
			radius: cmd.Params["radius_m"], speed: cmd.Params["speed_ms"],
		}
		if v.orbit.speed <= 0 {
			v.orbit.speed = 5
		}
		v.target = nil
		v.mode = ModeOrbit
		return nil
	case "hold":
		v.target = nil
		v.orbit = nil
		v.landAfter = false
		v.mode = ModeHold
		return nil
	case "land":
		v.target = nil
		v.orbit = nil
		v.mode = ModeLand
		if !inAir {
			v.armed = false
		}
		return nil
	case "return_to_launch":
		if !inAir {
			v.armed = false
			v.mode = ModeHold
			return nil
		}
		v.target = &target{
			lat: v.cfg.Home.LatitudeDeg, lon: v.cfg.Home.LongitudeDeg,
			alt: math.Max(v.alt, v.cfg.RTLAltitudeM), speed: 5,
		}
		v.orbit = nil
		v.landAfter = true
		v.mode = ModeRTL
		return nil
	}
	return &link.Refusal{Action: cmd.Action, Token: "UNSUPPORTED"}
}

// Stream implements link.Transport. It advances the simulation on every tick.
func (v *Vehicle) Stream(ctx context.Context, sink func(dragonpilot.TelemetrySnapshot)) error {
	ticker := time.NewTicker(v.cfg.TickInterval)
	defer ticker.Stop()
	for {
		v.mu.Lock()
		if v.offline {
			v.mu.Unlock()
			return ErrOffline
		}
		v.stepLocked(time.Now())
		frozen := v.frozen
		snap := v.snapshotLocked()
		v.mu.Unlock()

		if !frozen {
			sink(snap)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot returns the current state without advancing it.
func (v *Vehicle) Snapshot() dragonpilot.TelemetrySnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Sent returns the commands accepted so far.
func (v *Vehicle) Sent() []dragonpilot.VehicleCommand {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]dragonpilot.VehicleCommand(nil), v.sent...)
}

// SetOffline simulates a lost link.
func (v *Vehicle) SetOffline(offline bool) {
	v.mu.Lock()
	v.offline = offline
	v.mu.Unlock()
}

// Freeze stops telemetry publication while the simulation keeps running.
func (v *Vehicle) Freeze(frozen bool) {
	v.mu.Lock()
	v.frozen = frozen
	v.mu.Unlock()
}

// TriggerFailsafe raises the failsafe flag and starts an emergency landing.
func (v *Vehicle) TriggerFailsafe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failsafe = true
	v.target = nil
	v.orbit = nil
	v.mode = ModeLand
}

// ForceDisarm drops the vehicle out of the armed state immediately.
func (v *Vehicle) ForceDisarm() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.armed = false
	v.target = nil
	v.orbit = nil
	v.mode = ModeHold
}

// Refuse makes the vehicle refuse action with token until cleared with an empty token.
func (v *Vehicle) Refuse(action, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if token == "" {
		delete(v.refuse, action)
		return
	}
	v.refuse[action] = token
}

func (v *Vehicle) healthyLocked() bool {
	return time.Since(v.started) >= v.cfg.GPSLockAfter
}

func (v *Vehicle) snapshotLocked() dragonpilot.TelemetrySnapshot {
	v.seq++
	healthy := v.healthyLocked()
	home := v.cfg.Home
	return dragonpilot.TelemetrySnapshot{
		Seq:  v.seq,
		Time: time.Now(),
		Position: dragonpilot.Position{
			LatitudeDeg:       v.lat,
			LongitudeDeg:      v.lon,
			AbsoluteAltitudeM: home.AbsoluteAltitudeM + v.alt,
			RelativeAltitudeM: v.alt,
		},
		Home:       home,
		Velocity:   v.vel,
		HeadingDeg: v.heading,
		Armed:      v.armed,
		InAir:      v.alt > 0.3,
		FlightMode: v.mode,
		Health: dragonpilot.Health{
			GlobalPositionOK: healthy,
			HomePositionOK:   healthy,
			Armable:          healthy && !v.failsafe,
			Failsafe:         v.failsafe,
			BatteryPercent:   v.battery,
		},
	}
}

// stepLocked integrates the kinematics up to now.
func (v *Vehicle) stepLocked(now time.Time) {
	dt := now.Sub(v.lastStep).Seconds() * v.cfg.TimeScale
	v.lastStep = now
	if dt <= 0 {
		return
	}
	v.vel = dragonpilot.Velocity{}
	if v.armed {
		v.battery = math.Max(0, v.battery-0.02*dt)
	}

	switch v.mode {
	case ModeTakeoff:
		if v.target != nil {
			v.climbToward(v.target.alt, dt)
			if math.Abs(v.alt-v.target.alt) < 0.05 {
				v.mode = ModeHold
				v.target = nil
			}
		}
	case ModeGoto, ModeRTL:
		if v.target != nil {
			arrived := v.flyToward(v.target, dt)
			if arrived {
				v.target = nil
				if v.landAfter {
					v.mode = ModeLand
					v.landAfter = false
				} else {
					v.mode = ModeHold
				}
			}
		}
	case ModeOrbit:
		if v.orbit != nil {
			v.orbitStep(dt)
		}
	case ModeLand:
		v.climbToward(0, dt)
		if v.alt <= 0.01 {
			v.alt = 0
			v.armed = false
			v.mode = ModeHold
		}
	}
}

func (v *Vehicle) climbToward(alt, dt float64) {
	diff := alt - v.alt
	rate := v.cfg.ClimbRateMS
	if diff < 0 {
		rate = v.cfg.DescentRateMS
	}
	step := rate * dt
	if math.Abs(diff) <= step {
		v.alt = alt
		return
	}
	if diff > 0 {
		v.alt += step
		v.vel.DownMS = -rate
	} else {
		v.alt -= step
		v.vel.DownMS = rate
	}
}

func (v *Vehicle) flyToward(t *target, dt float64) bool {
	v.climbToward(t.alt, dt)
	north, east := geo.LocalNE(v.lat, v.lon, t.lat, t.lon)
	dist := math.Hypot(north, east)
	step := t.speed * dt
	if dist <= step {
		v.lat, v.lon = t.lat, t.lon
	} else {
		v.lat, v.lon = geo.Offset(v.lat, v.lon, north/dist*step, east/dist*step)
		v.vel.NorthMS = north / dist * t.speed
		v.vel.EastMS = east / dist * t.speed
		v.heading = math.Mod(math.Atan2(east, north)*180/math.Pi+360, 360)
	}
	return dist <= step && math.Abs(v.alt-t.alt) < 0.05
}

func (v *Vehicle) orbitStep(dt float64) {
	o := v.orbit
	north, east := geo.LocalNE(o.lat, o.lon, v.lat, v.lon)
	r := math.Hypot(north, east)
	if math.Abs(r-o.radius) > 1 {
		// Fly to the nearest point of the circle first.
		angle := math.Atan2(east, north)
		if r < 1e-6 {
			angle = 0
		}
		lat, lon := geo.Offset(o.lat, o.lon, o.radius*math.Cos(angle), o.radius*math.Sin(angle))
		v.flyToward(&target{lat: lat, lon: lon, alt: v.alt, speed: o.speed}, dt)
		return
	}
	angle := math.Atan2(east, north) + o.speed/o.radius*dt
	v.lat, v.lon = geo.Offset(o.lat, o.lon, o.radius*math.Cos(angle), o.radius*math.Sin(angle))
	v.heading = math.Mod(angle*180/math.Pi+90+360, 360)
	v.vel.NorthMS = -o.speed * math.Sin(angle)
	v.vel.EastMS = o.speed * math.Cos(angle)
}
