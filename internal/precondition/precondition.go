// Package precondition compiles CEL guards evaluated against telemetry before dispatch.
package precondition

import (
	"fmt"

	"github.com/google/cel-go/cel"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// Guard is a compiled set of expressions that must all evaluate to true.
type Guard struct {
	tool     string
	programs []program
}

type program struct {
	expr string
	prg  cel.Program
}

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("armed", cel.BoolType),
		cel.Variable("in_air", cel.BoolType),
		cel.Variable("flight_mode", cel.StringType),
		cel.Variable("relative_altitude_m", cel.DoubleType),
		cel.Variable("absolute_altitude_m", cel.DoubleType),
		cel.Variable("latitude_deg", cel.DoubleType),
		cel.Variable("longitude_deg", cel.DoubleType),
		cel.Variable("heading_deg", cel.DoubleType),
		cel.Variable("ground_speed_m_s", cel.DoubleType),
		cel.Variable("battery_percent", cel.DoubleType),
		cel.Variable("global_position_ok", cel.BoolType),
		cel.Variable("home_position_ok", cel.BoolType),
		cel.Variable("armable", cel.BoolType),
		cel.Variable("failsafe", cel.BoolType),
	)
	if err != nil {
		panic(fmt.Sprintf("precondition: building CEL environment: %v", err))
	}
}

// Compile type-checks each expression. Every expression must produce a bool.
func Compile(tool string, exprs []string) (*Guard, error) {
	g := &Guard{tool: tool}
	for _, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("expression %q must evaluate to bool, got %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", expr, err)
		}
		g.programs = append(g.programs, program{expr: expr, prg: prg})
	}
	return g, nil
}

// Check evaluates the guard against a snapshot and returns a PreconditionFailed error
// naming the first expression that does not hold.
func (g *Guard) Check(snap dragonpilot.TelemetrySnapshot) error {
	vars := Activation(snap)
	for _, p := range g.programs {
		out, _, err := p.prg.Eval(vars)
		if err != nil {
			return dragonpilot.NewPreconditionError(g.tool, p.expr, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool || !ok {
			return dragonpilot.NewPreconditionError(g.tool, p.expr, nil)
		}
	}
	return nil
}

// Expressions returns the source expressions.
func (g *Guard) Expressions() []string {
	out := make([]string, len(g.programs))
	for i, p := range g.programs {
		out[i] = p.expr
	}
	return out
}

// Activation flattens a snapshot into CEL variables.
func Activation(snap dragonpilot.TelemetrySnapshot) map[string]interface{} {
	return map[string]interface{}{
		"armed":               snap.Armed,
		"in_air":              snap.InAir,
		"flight_mode":         snap.FlightMode,
		"relative_altitude_m": snap.Position.RelativeAltitudeM,
		"absolute_altitude_m": snap.Position.AbsoluteAltitudeM,
		"latitude_deg":        snap.Position.LatitudeDeg,
		"longitude_deg":       snap.Position.LongitudeDeg,
		"heading_deg":         snap.HeadingDeg,
		"ground_speed_m_s":    snap.Velocity.Ground(),
		"battery_percent":     snap.Health.BatteryPercent,
		"global_position_ok":  snap.Health.GlobalPositionOK,
		"home_position_ok":    snap.Health.HomePositionOK,
		"armable":             snap.Health.Armable,
		"failsafe":            snap.Health.Failsafe,
	}
}
