package tools

import (
	"testing"
	"time"

	"github.com/Knetic/govaluate"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

func TestRegisterExpressionFunction_AndWhitelist(t *testing.T) {
	called := false
	RegisterExpressionFunction("customAdd", func(args ...interface{}) (interface{}, error) {
		called = true
		return args[0].(float64) + args[1].(float64), nil
	})
	funcs := getWhitelistedFunctions()
	if _, ok := funcs["customAdd"]; !ok {
		t.Error("customAdd not found in whitelist")
	}
	eval, err := govaluate.NewEvaluableExpressionWithFunctions("customAdd(2, 3)", funcs)
	if err != nil {
		t.Fatalf("failed to parse expression: %v", err)
	}
	res, err := eval.Evaluate(nil)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if res != 5.0 {
		t.Errorf("expected 5.0, got %v", res)
	}
	if !called {
		t.Error("custom function was not called")
	}
}

func TestValidateExpression_SuccessAndFailure(t *testing.T) {
	if err := ValidateExpression("abs(relative_altitude_m - 10) <= 0.5"); err != nil {
		t.Errorf("expected valid expression, got %v", err)
	}
	if err := ValidateExpression("1 + "); err == nil {
		t.Error("expected error for invalid expression, got nil")
	}
}

func TestCompileExpression_RejectsUnknownVariables(t *testing.T) {
	known := map[string]bool{"relative_altitude_m": true}
	if _, err := compileExpression("relative_altitude_m > 5", known); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := compileExpression("altitude > 5", known); err == nil {
		t.Error("expected unknown variable to be rejected")
	}
}

func TestDistanceFunction(t *testing.T) {
	funcs := getWhitelistedFunctions()
	eval, err := govaluate.NewEvaluableExpressionWithFunctions(
		"distance_m(latitude_deg, longitude_deg, home_latitude_deg, home_longitude_deg) < 1", funcs)
	if err != nil {
		t.Fatalf("failed to parse expression: %v", err)
	}
	snap := dragonpilot.TelemetrySnapshot{
		Time:     time.Now(),
		Position: dragonpilot.Position{LatitudeDeg: 47.3977, LongitudeDeg: 8.5456},
		Home:     dragonpilot.Position{LatitudeDeg: 47.3977, LongitudeDeg: 8.5456},
	}
	res, err := eval.Evaluate(expressionParameters(dragonpilot.PredicateInput{Snapshot: snap, DispatchedAt: snap.Time}))
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if res != true {
		t.Errorf("expected vehicle at home, got %v", res)
	}
}
