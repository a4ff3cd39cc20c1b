// Package tools defines the flight capabilities the engine ships with and
// loads additional ones from YAML catalogues.
package tools

import (
	"fmt"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
)

const (
	// TakeoffAltitudeRatio is the share of the target altitude that counts as reached.
	TakeoffAltitudeRatio = 0.95
	// ArrivalRadiusM is how close fly_to must get to the target.
	ArrivalRadiusM = 5.0
	// DefaultSpeedMS is the cruise speed used when none is given.
	DefaultSpeedMS = 5.0
	// DefaultOrbitRadiusM is the orbit radius used when none is given.
	DefaultOrbitRadiusM = 50.0
	// DefaultOrbitDurationS is how long an orbit lasts when no duration is given.
	DefaultOrbitDurationS = 60.0
	// MaxTimedDurationS bounds orbit and hold durations so they fit inside MaxWait.
	MaxTimedDurationS = 540.0
	// MaxAltitudeM bounds target altitudes above home.
	MaxAltitudeM = 500.0
	// MaxSpeedMS bounds commanded ground speed.
	MaxSpeedMS = 25.0
	// MinOrbitRadiusM and MaxOrbitRadiusM bound the orbit radius.
	MinOrbitRadiusM = 5.0
	MaxOrbitRadiusM = 1000.0

	// armGrace is how long after dispatch a disarmed vehicle is still tolerated during takeoff.
	armGrace = 5 * time.Second
)

// Vehicle command actions understood by every transport.
const (
	ActionHealthCheck    = "health_check"
	ActionArm            = "arm"
	ActionTakeoff        = "takeoff"
	ActionGoto           = "goto"
	ActionOrbit          = "orbit"
	ActionHold           = "hold"
	ActionLand           = "land"
	ActionReturnToLaunch = "return_to_launch"
)

// Tool names.
const (
	PreFlightCheck = "pre_flight_check"
	ArmAndTakeoff  = "arm_and_takeoff"
	FlyTo          = "fly_to"
	FlyRelative    = "fly_relative"
	Orbit          = "orbit"
	Hold           = "hold"
	Land           = "land"
	ReturnToLaunch = "return_to_launch"
)

const inAir = "in_air"

// Builtin returns the built-in definition for a capability kind.
// KindCatalog has no built-in; catalogue tools are loaded from files.
func Builtin(kind dragonpilot.CapabilityKind) (dragonpilot.ToolDefinition, bool) {
	switch kind {
	case dragonpilot.KindPreflight:
		return preFlightCheck(), true
	case dragonpilot.KindTakeoff:
		return armAndTakeoff(), true
	case dragonpilot.KindGoto:
		return flyTo(), true
	case dragonpilot.KindRelative:
		return flyRelative(), true
	case dragonpilot.KindOrbit:
		return orbit(), true
	case dragonpilot.KindHold:
		return hold(), true
	case dragonpilot.KindLand:
		return land(), true
	case dragonpilot.KindReturn:
		return returnToLaunch(), true
	case dragonpilot.KindCatalog:
		return dragonpilot.ToolDefinition{}, false
	}
	return dragonpilot.ToolDefinition{}, false
}

// Builtins returns every built-in definition.
func Builtins() []dragonpilot.ToolDefinition {
	var defs []dragonpilot.ToolDefinition
	for _, kind := range dragonpilot.Kinds() {
		if def, ok := Builtin(kind); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// RegisterBuiltins registers every built-in definition.
func RegisterBuiltins(r *registry.Registry) error {
	for _, def := range Builtins() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func preFlightCheck() dragonpilot.ToolDefinition {
	return registry.NewDefinition(PreFlightCheck, dragonpilot.KindPreflight, preflightHealthy,
		registry.WithDescription("Checks GPS lock, home position and armability before flight."),
		registry.WithMaxWait(30*time.Second),
		registry.WithEncoder(func(dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			return []dragonpilot.VehicleCommand{{Action: ActionHealthCheck}}, nil
		}),
		registry.WithNarration("running pre-flight checks", "waiting for GPS and home position"),
	)
}

func preflightHealthy(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	h := in.Snapshot.Health
	if h.Failsafe {
		return impossible("failsafe active")
	}
	switch {
	case !h.GlobalPositionOK:
		return notYet("waiting for global position estimate")
	case !h.HomePositionOK:
		return notYet("waiting for home position")
	case !h.Armable:
		return notYet("vehicle not armable yet")
	}
	return satisfied("vehicle healthy and armable")
}

func armAndTakeoff() dragonpilot.ToolDefinition {
	return registry.NewDefinition(ArmAndTakeoff, dragonpilot.KindTakeoff, takeoffReached,
		registry.WithDescription("Arms the vehicle and climbs to the given altitude above home."),
		registry.WithRequiredNumber("altitude_m", "Target altitude above home in metres"),
		registry.WithExclusiveMinRange("altitude_m", 0, MaxAltitudeM),
		registry.WithMaxWait(60*time.Second),
		registry.WithTolerance(TakeoffAltitudeRatio),
		registry.WithStopAction(ActionHold),
		registry.WithPreconditions("!in_air", "!failsafe"),
		registry.WithEncoder(func(args dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			alt, _ := args.Float("altitude_m")
			return []dragonpilot.VehicleCommand{
				{Action: ActionArm},
				{Action: ActionTakeoff, Params: map[string]float64{"altitude_m": alt}},
			}, nil
		}),
		registry.WithNarration("taking off", "verifying altitude"),
	)
}

func takeoffReached(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	target, _ := in.Args.Float("altitude_m")
	s := in.Snapshot
	if s.Health.Failsafe {
		return impossible("failsafe active during takeoff")
	}
	if !s.Armed && in.Elapsed() > armGrace {
		return impossible("vehicle disarmed during takeoff")
	}
	if s.Position.RelativeAltitudeM >= target*in.Tolerance {
		return satisfied(fmt.Sprintf("reached %.1f m of %.1f m", s.Position.RelativeAltitudeM, target))
	}
	return notYet(fmt.Sprintf("climbing, %.1f m of %.1f m", s.Position.RelativeAltitudeM, target))
}

func flyTo() dragonpilot.ToolDefinition {
	return registry.NewDefinition(FlyTo, dragonpilot.KindGoto, arrived,
		registry.WithDescription("Flies to a coordinate. Keeps the current altitude when none is given."),
		registry.WithRequiredNumber("latitude", "Target latitude in degrees"),
		registry.WithRequiredNumber("longitude", "Target longitude in degrees"),
		registry.WithOptionalNumber("altitude_m", "Target altitude above home in metres", nil),
		registry.WithOptionalNumber("speed_ms", "Ground speed in metres per second", DefaultSpeedMS),
		withCoordinateRange,
		registry.WithExclusiveMinRange("altitude_m", 0, MaxAltitudeM),
		registry.WithExclusiveMinRange("speed_ms", 0, MaxSpeedMS),
		registry.WithMaxWait(60*time.Second),
		registry.WithTolerance(ArrivalRadiusM),
		registry.WithStopAction(ActionHold),
		registry.WithPreconditions(inAir),
		registry.WithResolver(func(args dragonpilot.ValidatedArgs, snap dragonpilot.TelemetrySnapshot) (dragonpilot.ValidatedArgs, error) {
			lat, _ := args.Float("latitude")
			lon, _ := args.Float("longitude")
			out := args.With("target_latitude", lat).With("target_longitude", lon)
			alt, ok := args.Float("altitude_m")
			if !ok {
				alt = snap.Position.RelativeAltitudeM
			}
			return out.With("target_altitude_m", alt), nil
		}),
		registry.WithEncoder(encodeGoto),
		registry.WithNarration("flying to target", "verifying arrival"),
	)
}

func flyRelative() dragonpilot.ToolDefinition {
	return registry.NewDefinition(FlyRelative, dragonpilot.KindRelative, arrived,
		registry.WithDescription("Moves relative to the current position and heading."),
		registry.WithOptionalNumber("forward_m", "Metres forward along the current heading", 0.0),
		registry.WithOptionalNumber("right_m", "Metres to the right of the current heading", 0.0),
		registry.WithOptionalNumber("down_m", "Metres down, negative climbs", 0.0),
		registry.WithOptionalNumber("speed_ms", "Ground speed in metres per second", DefaultSpeedMS),
		registry.WithExclusiveMinRange("speed_ms", 0, MaxSpeedMS),
		registry.WithMaxWait(120*time.Second),
		registry.WithTolerance(ArrivalRadiusM),
		registry.WithStopAction(ActionHold),
		registry.WithPreconditions(inAir),
		// Only the altitude floor depends on where the vehicle is at dispatch.
		registry.WithResolver(func(args dragonpilot.ValidatedArgs, snap dragonpilot.TelemetrySnapshot) (dragonpilot.ValidatedArgs, error) {
			north, east := geo.BodyToNED(args.FloatOr("forward_m", 0), args.FloatOr("right_m", 0), snap.HeadingDeg)
			lat, lon := geo.Offset(snap.Position.LatitudeDeg, snap.Position.LongitudeDeg, north, east)
			alt := snap.Position.RelativeAltitudeM - args.FloatOr("down_m", 0)
			if alt < 1 {
				return nil, fmt.Errorf("relative move would end %.1f m above home", alt)
			}
			return args.With("target_latitude", lat).
				With("target_longitude", lon).
				With("target_altitude_m", alt), nil
		}),
		registry.WithEncoder(encodeGoto),
		registry.WithNarration("moving relative to current position", "verifying arrival"),
	)
}

func encodeGoto(args dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
	lat, okLat := args.Float("target_latitude")
	lon, okLon := args.Float("target_longitude")
	alt, okAlt := args.Float("target_altitude_m")
	if !okLat || !okLon || !okAlt {
		return nil, fmt.Errorf("goto target not resolved")
	}
	speed := args.FloatOr("speed_ms", DefaultSpeedMS)
	return []dragonpilot.VehicleCommand{{
		Action: ActionGoto,
		Params: map[string]float64{
			"latitude":   lat,
			"longitude":  lon,
			"altitude_m": alt,
			"speed_ms":   speed,
		},
	}}, nil
}

func arrived(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	s := in.Snapshot
	if s.Health.Failsafe {
		return impossible("failsafe active")
	}
	if !s.Armed {
		return impossible("vehicle disarmed in flight")
	}
	lat, _ := in.Args.Float("target_latitude")
	lon, _ := in.Args.Float("target_longitude")
	// Arrival is horizontal only; the autopilot owns the altitude hold.
	horizontal := geo.DistanceM(s.Position.LatitudeDeg, s.Position.LongitudeDeg, lat, lon)
	if horizontal <= in.Tolerance {
		return satisfied(fmt.Sprintf("arrived within %.1f m", horizontal))
	}
	return notYet(fmt.Sprintf("%.1f m from target", horizontal))
}

func orbit() dragonpilot.ToolDefinition {
	return registry.NewDefinition(Orbit, dragonpilot.KindOrbit, timedInFlight,
		registry.WithDescription("Circles a coordinate for a fixed duration, then holds."),
		registry.WithRequiredNumber("latitude", "Orbit centre latitude in degrees"),
		registry.WithRequiredNumber("longitude", "Orbit centre longitude in degrees"),
		registry.WithOptionalNumber("radius_m", "Orbit radius in metres", DefaultOrbitRadiusM),
		registry.WithOptionalNumber("speed_ms", "Tangential speed in metres per second", DefaultSpeedMS),
		registry.WithOptionalNumber("duration_s", "Orbit duration in seconds", DefaultOrbitDurationS),
		withCoordinateRange,
		registry.WithRange("radius_m", MinOrbitRadiusM, MaxOrbitRadiusM),
		registry.WithExclusiveMinRange("speed_ms", 0, MaxSpeedMS),
		registry.WithRange("duration_s", 0, MaxTimedDurationS),
		registry.WithMaxWait(time.Duration(MaxTimedDurationS+60)*time.Second),
		registry.WithStopAction(ActionHold),
		registry.WithCompleteAction(ActionHold),
		registry.WithPreconditions(inAir),
		registry.WithEncoder(func(args dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			radius := args.FloatOr("radius_m", DefaultOrbitRadiusM)
			speed := args.FloatOr("speed_ms", DefaultSpeedMS)
			return []dragonpilot.VehicleCommand{{
				Action: ActionOrbit,
				Params: map[string]float64{
					"latitude":  args.FloatOr("latitude", 0),
					"longitude": args.FloatOr("longitude", 0),
					"radius_m":  radius,
					"speed_ms":  speed,
				},
			}}, nil
		}),
		registry.WithNarration("orbiting target", "waiting for orbit to finish"),
	)
}

func hold() dragonpilot.ToolDefinition {
	return registry.NewDefinition(Hold, dragonpilot.KindHold, timed,
		registry.WithDescription("Holds the current position for a number of seconds."),
		registry.WithOptionalNumber("duration_s", "Hold duration in seconds", 2.0),
		registry.WithRange("duration_s", 0, MaxTimedDurationS),
		registry.WithMaxWait(time.Duration(MaxTimedDurationS+60)*time.Second),
		registry.WithEncoder(func(dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			return []dragonpilot.VehicleCommand{{Action: ActionHold}}, nil
		}),
		registry.WithNarration("holding position", "waiting"),
	)
}

// withCoordinateRange bounds the latitude and longitude slots.
func withCoordinateRange(d *dragonpilot.ToolDefinition) {
	registry.WithRange("latitude", -90, 90)(d)
	registry.WithRange("longitude", -180, 180)(d)
}

func timed(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	want := time.Duration(in.Args.FloatOr("duration_s", 0) * float64(time.Second))
	if got := in.Elapsed(); got >= want {
		return satisfied(fmt.Sprintf("held for %s", got.Round(100*time.Millisecond)))
	}
	return notYet(fmt.Sprintf("%s of %s elapsed", in.Elapsed().Round(100*time.Millisecond), want))
}

func timedInFlight(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	s := in.Snapshot
	if s.Health.Failsafe {
		return impossible("failsafe active")
	}
	if !s.Armed || !s.InAir {
		return impossible("vehicle no longer flying")
	}
	return timed(in)
}

func land() dragonpilot.ToolDefinition {
	return registry.NewDefinition(Land, dragonpilot.KindLand, landedAndDisarmed,
		registry.WithDescription("Lands at the current position."),
		registry.WithMaxWait(120*time.Second),
		registry.WithEncoder(func(dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			return []dragonpilot.VehicleCommand{{Action: ActionLand}}, nil
		}),
		registry.WithNarration("landing", "verifying touchdown"),
	)
}

func returnToLaunch() dragonpilot.ToolDefinition {
	return registry.NewDefinition(ReturnToLaunch, dragonpilot.KindReturn, landedAndDisarmed,
		registry.WithDescription("Returns to the launch point and lands."),
		registry.WithMaxWait(300*time.Second),
		registry.WithEncoder(func(dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
			return []dragonpilot.VehicleCommand{{Action: ActionReturnToLaunch}}, nil
		}),
		registry.WithNarration("returning to launch", "verifying touchdown"),
	)
}

func landedAndDisarmed(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
	s := in.Snapshot
	if !s.Armed && !s.InAir {
		return satisfied("landed and disarmed")
	}
	return notYet(fmt.Sprintf("descending, %.1f m above home", s.Position.RelativeAltitudeM))
}

func satisfied(reason string) dragonpilot.Evaluation {
	return dragonpilot.Evaluation{Verdict: dragonpilot.VerdictSatisfied, Reason: reason}
}

func notYet(reason string) dragonpilot.Evaluation {
	return dragonpilot.Evaluation{Verdict: dragonpilot.VerdictNotYet, Reason: reason}
}

func impossible(reason string) dragonpilot.Evaluation {
	return dragonpilot.Evaluation{Verdict: dragonpilot.VerdictImpossible, Reason: reason}
}
