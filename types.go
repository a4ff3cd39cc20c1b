package dragonpilot

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// CapabilityKind is the closed set of capability variants the engine knows how to drive.
type CapabilityKind string

const (
	// KindPreflight checks vehicle health before arming.
	KindPreflight CapabilityKind = "preflight"
	// KindTakeoff arms the vehicle and climbs to a relative altitude.
	KindTakeoff CapabilityKind = "takeoff"
	// KindGoto flies to an absolute coordinate.
	KindGoto CapabilityKind = "goto"
	// KindRelative flies an offset from the dispatch-time position and heading.
	KindRelative CapabilityKind = "relative"
	// KindOrbit circles a coordinate for a fixed duration.
	KindOrbit CapabilityKind = "orbit"
	// KindHold holds position for a fixed duration.
	KindHold CapabilityKind = "hold"
	// KindLand lands at the current position.
	KindLand CapabilityKind = "land"
	// KindReturn returns to the launch point and lands.
	KindReturn CapabilityKind = "return"
	// KindCatalog is a tool loaded from a catalogue file with expression predicates.
	KindCatalog CapabilityKind = "catalog"
)

// Kinds lists every capability variant.
func Kinds() []CapabilityKind {
	return []CapabilityKind{
		KindPreflight, KindTakeoff, KindGoto, KindRelative, KindOrbit,
		KindHold, KindLand, KindReturn, KindCatalog,
	}
}

// ArgType is the type of an argument slot.
type ArgType string

const (
	ArgNumber ArgType = "number"
	ArgString ArgType = "string"
	ArgBool   ArgType = "bool"
)

// ArgSlot describes one argument accepted by a tool.
type ArgSlot struct {
	Name        string      `json:"name" yaml:"name"`
	Type        ArgType     `json:"type" yaml:"type"`
	Required    bool        `json:"required" yaml:"required"`
	Default     interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`

	// Bounds for numeric slots. Nil means unbounded.
	Minimum          *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	ExclusiveMinimum *float64 `json:"exclusive_minimum,omitempty" yaml:"exclusive_minimum,omitempty"`
	Maximum          *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// ValidatedArgs holds arguments that passed schema validation. Numbers are float64.
type ValidatedArgs map[string]interface{}

// Float returns a numeric argument.
func (a ValidatedArgs) Float(name string) (float64, bool) {
	v, ok := a[name].(float64)
	return v, ok
}

// FloatOr returns a numeric argument or the fallback when absent.
func (a ValidatedArgs) FloatOr(name string, fallback float64) float64 {
	if v, ok := a.Float(name); ok {
		return v
	}
	return fallback
}

// String returns a string argument.
func (a ValidatedArgs) String(name string) (string, bool) {
	v, ok := a[name].(string)
	return v, ok
}

// Bool returns a boolean argument.
func (a ValidatedArgs) Bool(name string) (bool, bool) {
	v, ok := a[name].(bool)
	return v, ok
}

// With returns a copy of the arguments with key set to value.
func (a ValidatedArgs) With(key string, value interface{}) ValidatedArgs {
	out := make(ValidatedArgs, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	out[key] = value
	return out
}

// Verdict is the result of evaluating a completion predicate against one snapshot.
type Verdict int

const (
	VerdictNotYet Verdict = iota
	VerdictSatisfied
	VerdictImpossible
)

func (v Verdict) String() string {
	switch v {
	case VerdictNotYet:
		return "not_yet"
	case VerdictSatisfied:
		return "satisfied"
	case VerdictImpossible:
		return "impossible"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Evaluation is a verdict plus the telemetry-derived reason for it.
type Evaluation struct {
	Verdict Verdict
	Reason  string
}

// PredicateInput is everything a completion predicate may look at.
// Predicates must be pure functions of this value.
type PredicateInput struct {
	Snapshot     TelemetrySnapshot
	Args         ValidatedArgs
	Tolerance    float64
	DispatchedAt time.Time
}

// Elapsed is the time between dispatch and the snapshot being evaluated.
func (in PredicateInput) Elapsed() time.Duration {
	return in.Snapshot.Time.Sub(in.DispatchedAt)
}

// CompletionPredicate decides whether an in-flight action has finished.
type CompletionPredicate func(in PredicateInput) Evaluation

// VehicleCommand is one action sent to the vehicle transport.
type VehicleCommand struct {
	Action string             `json:"action"`
	Params map[string]float64 `json:"params,omitempty"`
}

// CommandEncoder converts validated arguments into vehicle commands.
type CommandEncoder func(args ValidatedArgs) ([]VehicleCommand, error)

// ArgumentResolver derives concrete targets from the telemetry observed at dispatch time.
type ArgumentResolver func(args ValidatedArgs, snap TelemetrySnapshot) (ValidatedArgs, error)

// PreconditionGuard checks a snapshot before a command is dispatched.
type PreconditionGuard interface {
	Check(snap TelemetrySnapshot) error
}

// Narration holds the human-readable phrases used in status strings.
type Narration struct {
	Action string `json:"action"`
	Verify string `json:"verify"`
}

// ToolDefinition is a registered capability. Immutable after registration.
type ToolDefinition struct {
	Name          string
	Description   string
	Kind          CapabilityKind
	Args          []ArgSlot
	Predicate     CompletionPredicate
	MaxWait       time.Duration
	Tolerance     float64
	StopAction    *VehicleCommand
	Preconditions []string
	Encode        CommandEncoder
	Resolve       ArgumentResolver
	Narration     Narration

	// CompleteAction is sent once the step is verified, e.g. hold after a timed orbit.
	CompleteAction *VehicleCommand

	// Guard is populated by the registry from Preconditions.
	Guard PreconditionGuard
}

// Slot returns the argument slot with the given name.
func (d *ToolDefinition) Slot(name string) (ArgSlot, bool) {
	for _, s := range d.Args {
		if s.Name == name {
			return s, true
		}
	}
	return ArgSlot{}, false
}

// ToolSummary is the discovery view of a tool.
type ToolSummary struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Kind          CapabilityKind         `json:"kind"`
	Args          []ArgSlot              `json:"args"`
	MaxWait       string                 `json:"max_wait"`
	Tolerance     float64                `json:"tolerance"`
	Preconditions []string               `json:"preconditions,omitempty"`
	InputSchema   map[string]interface{} `json:"input_schema"`
}

// PlanStep is one tool invocation in a mission plan.
type PlanStep struct {
	Tool        string                 `json:"tool" yaml:"tool"`
	Args        map[string]interface{} `json:"args" yaml:"args"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
}

// MissionPlan is an ordered sequence of steps. Immutable once accepted for execution.
type MissionPlan struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	Steps     []PlanStep `json:"steps" yaml:"steps"`
}

// StepCount returns the number of steps in the plan.
func (p *MissionPlan) StepCount() int {
	return len(p.Steps)
}

// PlanStatus is the lifecycle state of a plan run.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanAborted   PlanStatus = "aborted"
	PlanFailed    PlanStatus = "failed"
)

// IsTerminal reports whether no further transitions can happen.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanAborted || s == PlanFailed
}

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepDispatched StepStatus = "dispatched"
	StepVerifying  StepStatus = "verifying"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepTimedOut   StepStatus = "timed_out"
	StepImpossible StepStatus = "impossible"
	StepAborted    StepStatus = "aborted"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepTimedOut, StepImpossible, StepAborted:
		return true
	}
	return false
}

// Position is a geodetic position.
type Position struct {
	LatitudeDeg       float64 `json:"latitude_deg"`
	LongitudeDeg      float64 `json:"longitude_deg"`
	AbsoluteAltitudeM float64 `json:"absolute_altitude_m"`
	RelativeAltitudeM float64 `json:"relative_altitude_m"`
}

// Velocity is a NED velocity in metres per second.
type Velocity struct {
	NorthMS float64 `json:"north_m_s"`
	EastMS  float64 `json:"east_m_s"`
	DownMS  float64 `json:"down_m_s"`
}

// Ground returns the horizontal speed.
func (v Velocity) Ground() float64 {
	return math.Hypot(v.NorthMS, v.EastMS)
}

// Health mirrors the autopilot health flags.
type Health struct {
	GlobalPositionOK bool    `json:"global_position_ok"`
	HomePositionOK   bool    `json:"home_position_ok"`
	Armable          bool    `json:"armable"`
	Failsafe         bool    `json:"failsafe"`
	BatteryPercent   float64 `json:"battery_percent"`
}

// TelemetrySnapshot is the most recently observed vehicle state.
type TelemetrySnapshot struct {
	Seq        uint64    `json:"seq"`
	Time       time.Time `json:"time"`
	Position   Position  `json:"position"`
	Home       Position  `json:"home"`
	Velocity   Velocity  `json:"velocity"`
	HeadingDeg float64   `json:"heading_deg"`
	Armed      bool      `json:"armed"`
	InAir      bool      `json:"in_air"`
	FlightMode string    `json:"flight_mode"`
	Health     Health    `json:"health"`
}

// CommandAck confirms that the vehicle accepted every command of a dispatch.
type CommandAck struct {
	Tool       string    `json:"tool"`
	Actions    []string  `json:"actions"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// StepResult is the final record of one step.
type StepResult struct {
	Index       int                `json:"index"`
	Tool        string             `json:"tool"`
	Status      StepStatus         `json:"status"`
	Elapsed     time.Duration      `json:"elapsed"`
	Reason      string             `json:"reason,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
	Evaluations int                `json:"evaluations,omitempty"`
	Telemetry   *TelemetrySnapshot `json:"telemetry,omitempty"`
}

// ExecutionResult is the outcome of a plan run. It is never mutated once produced.
type ExecutionResult struct {
	PlanID      string        `json:"plan_id"`
	PlanName    string        `json:"plan_name,omitempty"`
	Status      PlanStatus    `json:"status"`
	Steps       []StepResult  `json:"steps"`
	FailedStep  int           `json:"failed_step"`
	CancelledAt int           `json:"cancelled_at"`
	Error       string        `json:"error,omitempty"`
	Code        string        `json:"code,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Succeeded reports whether every step completed.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == PlanCompleted
}

// CompletedSteps counts steps that reached StepCompleted.
func (r *ExecutionResult) CompletedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can never alter a stored result.
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		if s.Telemetry != nil {
			snap := *s.Telemetry
			s.Telemetry = &snap
		}
		out.Steps[i] = s
	}
	return &out
}

// Summary renders a one-line description suitable for a status or voice channel.
func (r *ExecutionResult) Summary() string {
	switch r.Status {
	case PlanCompleted:
		return fmt.Sprintf("mission completed: %d of %d steps done in %s",
			r.CompletedSteps(), len(r.Steps), r.Elapsed.Round(time.Millisecond))
	case PlanAborted, PlanFailed:
		idx := r.FailedStep
		if idx < 0 {
			idx = r.CancelledAt
		}
		if idx >= 0 && idx < len(r.Steps) {
			s := r.Steps[idx]
			reason := s.Reason
			if reason == "" {
				reason = s.Error
			}
			if reason == "" {
				reason = r.Error
			}
			return fmt.Sprintf("mission %s at step %d (%s): %s", r.Status, idx+1, s.Tool, reason)
		}
		return fmt.Sprintf("mission %s: %s", r.Status, r.Error)
	default:
		return fmt.Sprintf("mission %s", r.Status)
	}
}

// MarshalJSON renders durations as strings for the protocol boundary.
func (r StepResult) MarshalJSON() ([]byte, error) {
	type alias StepResult
	return json.Marshal(struct {
		alias
		Elapsed string `json:"elapsed"`
	}{alias: alias(r), Elapsed: r.Elapsed.String()})
}

// UnmarshalJSON accepts the string form written by MarshalJSON.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	type alias StepResult
	aux := struct {
		*alias
		Elapsed string `json:"elapsed"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Elapsed == "" {
		r.Elapsed = 0
		return nil
	}
	d, err := time.ParseDuration(aux.Elapsed)
	if err != nil {
		return fmt.Errorf("step %d elapsed: %w", r.Index, err)
	}
	r.Elapsed = d
	return nil
}

// ProgressUpdate is published for every step or plan transition.
type ProgressUpdate struct {
	PlanID     string     `json:"plan_id"`
	StepIndex  int        `json:"step_index"`
	StepCount  int        `json:"step_count"`
	Tool       string     `json:"tool,omitempty"`
	From       StepStatus `json:"from,omitempty"`
	To         StepStatus `json:"to,omitempty"`
	PlanStatus PlanStatus `json:"plan_status"`
	Message    string     `json:"message"`
	Reason     string     `json:"reason,omitempty"`
	Time       time.Time  `json:"time"`
}

// SortedArgNames returns argument names in a stable order, used for logging.
func SortedArgNames(args map[string]interface{}) []string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
