package dragonpilot

import "context"

// ToolRegistry resolves tool names and validates arguments.
type ToolRegistry interface {
	Lookup(name string) (*ToolDefinition, error)
	ValidateArguments(name string, args map[string]interface{}) (ValidatedArgs, error)
	Summaries() []ToolSummary
}

// Commander is the single write handle to the vehicle.
type Commander interface {
	// SendCommand sends every command encoded for def and returns once the vehicle accepted them.
	// It returns a LinkError when the transport is down and a RejectedError when the vehicle refuses.
	SendCommand(ctx context.Context, def *ToolDefinition, args ValidatedArgs) (CommandAck, error)

	// Stop issues a safe stop action.
	Stop(ctx context.Context, action VehicleCommand) error
}

// TelemetrySource exposes the latest snapshot without blocking.
type TelemetrySource interface {
	Latest() (TelemetrySnapshot, error)
}

// PlanExecutor runs a plan to a terminal state.
// The returned result is non-nil for every plan outcome; err describes why it did not complete.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *MissionPlan) (*ExecutionResult, error)
}

// ResultStore keeps terminal execution results.
type ResultStore interface {
	Save(ctx context.Context, result *ExecutionResult) error
	Get(ctx context.Context, planID string) (*ExecutionResult, error)
	List(ctx context.Context, limit int) ([]*ExecutionResult, error)
}
