package tools

import (
	"fmt"
	"math"
	"sync"

	"github.com/Knetic/govaluate"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/geo"
)

// ExpressionFunctionRegistry allows registration of custom functions for catalogue expressions.
type ExpressionFunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var globalExprFuncRegistry = &ExpressionFunctionRegistry{functions: builtinFunctions()}

// RegisterExpressionFunction allows users to register a custom function for expressions.
func RegisterExpressionFunction(name string, fn govaluate.ExpressionFunction) {
	globalExprFuncRegistry.mu.Lock()
	defer globalExprFuncRegistry.mu.Unlock()
	globalExprFuncRegistry.functions[name] = fn
}

// getWhitelistedFunctions returns only whitelisted functions for security.
func getWhitelistedFunctions() map[string]govaluate.ExpressionFunction {
	globalExprFuncRegistry.mu.RLock()
	defer globalExprFuncRegistry.mu.RUnlock()
	whitelist := make(map[string]govaluate.ExpressionFunction, len(globalExprFuncRegistry.functions))
	for k, v := range globalExprFuncRegistry.functions {
		whitelist[k] = v
	}
	return whitelist
}

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"abs": func(args ...interface{}) (interface{}, error) {
			f, err := floatArgs("abs", 1, args)
			if err != nil {
				return nil, err
			}
			return math.Abs(f[0]), nil
		},
		"min": func(args ...interface{}) (interface{}, error) {
			f, err := floatArgs("min", 2, args)
			if err != nil {
				return nil, err
			}
			return math.Min(f[0], f[1]), nil
		},
		"max": func(args ...interface{}) (interface{}, error) {
			f, err := floatArgs("max", 2, args)
			if err != nil {
				return nil, err
			}
			return math.Max(f[0], f[1]), nil
		},
		"distance_m": func(args ...interface{}) (interface{}, error) {
			f, err := floatArgs("distance_m", 4, args)
			if err != nil {
				return nil, err
			}
			return geo.DistanceM(f[0], f[1], f[2], f[3]), nil
		},
	}
}

func floatArgs(name string, n int, args []interface{}) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", name, n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("%s argument %d is not a number", name, i+1)
		}
		out[i] = f
	}
	return out, nil
}

// ValidateExpression checks if an expression is valid at catalogue load time.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	return err
}

// compileExpression parses an expression and checks that it only references known names.
func compileExpression(expr string, known map[string]bool) (*govaluate.EvaluableExpression, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(expr, getWhitelistedFunctions())
	if err != nil {
		return nil, err
	}
	for _, v := range e.Vars() {
		if !known[v] {
			return nil, fmt.Errorf("unknown variable %q in %q", v, expr)
		}
	}
	return e, nil
}

// telemetryVariables are the names every catalogue expression may reference.
var telemetryVariables = []string{
	"latitude_deg", "longitude_deg", "relative_altitude_m", "absolute_altitude_m",
	"heading_deg", "ground_speed_m_s", "climb_rate_m_s", "armed", "in_air",
	"flight_mode", "failsafe", "battery_percent", "home_latitude_deg", "home_longitude_deg",
	"elapsed_s", "tolerance",
}

// expressionParameters flattens the predicate input for govaluate.
func expressionParameters(in dragonpilot.PredicateInput) map[string]interface{} {
	s := in.Snapshot
	params := map[string]interface{}{
		"latitude_deg":        s.Position.LatitudeDeg,
		"longitude_deg":       s.Position.LongitudeDeg,
		"relative_altitude_m": s.Position.RelativeAltitudeM,
		"absolute_altitude_m": s.Position.AbsoluteAltitudeM,
		"heading_deg":         s.HeadingDeg,
		"ground_speed_m_s":    s.Velocity.Ground(),
		"climb_rate_m_s":      -s.Velocity.DownMS,
		"armed":               s.Armed,
		"in_air":              s.InAir,
		"flight_mode":         s.FlightMode,
		"failsafe":            s.Health.Failsafe,
		"battery_percent":     s.Health.BatteryPercent,
		"home_latitude_deg":   s.Home.LatitudeDeg,
		"home_longitude_deg":  s.Home.LongitudeDeg,
		"elapsed_s":           in.Elapsed().Seconds(),
		"tolerance":           in.Tolerance,
	}
	for k, v := range in.Args {
		params[k] = v
	}
	return params
}
