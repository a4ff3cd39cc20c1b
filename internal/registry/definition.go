package registry

import (
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// DefinitionOption configures a tool definition built with NewDefinition.
type DefinitionOption func(*dragonpilot.ToolDefinition)

// WithDescription sets a detailed description for the tool.
func WithDescription(description string) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Description = description
	}
}

// WithArg appends an argument slot.
func WithArg(slot dragonpilot.ArgSlot) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Args = append(d.Args, slot)
	}
}

// WithRequiredNumber appends a required numeric argument.
func WithRequiredNumber(name, description string) DefinitionOption {
	return WithArg(dragonpilot.ArgSlot{Name: name, Type: dragonpilot.ArgNumber, Required: true, Description: description})
}

// WithOptionalNumber appends an optional numeric argument. A nil default leaves the value absent.
func WithOptionalNumber(name, description string, def interface{}) DefinitionOption {
	return WithArg(dragonpilot.ArgSlot{Name: name, Type: dragonpilot.ArgNumber, Default: def, Description: description})
}

// WithMaxWait sets the verification timeout measured from dispatch.
func WithMaxWait(d time.Duration) DefinitionOption {
	return func(def *dragonpilot.ToolDefinition) {
		def.MaxWait = d
	}
}

// WithTolerance sets the numeric tolerance handed to the predicate.
func WithTolerance(tol float64) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Tolerance = tol
	}
}

// WithStopAction sets the command issued when the step is cancelled in flight.
func WithStopAction(action string) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.StopAction = &dragonpilot.VehicleCommand{Action: action}
	}
}

// WithCompleteAction sets the command issued after the step is verified.
func WithCompleteAction(action string) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.CompleteAction = &dragonpilot.VehicleCommand{Action: action}
	}
}

// WithRange bounds an already declared numeric argument to [lo, hi].
func WithRange(name string, lo, hi float64) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		for i := range d.Args {
			if d.Args[i].Name == name {
				d.Args[i].Minimum, d.Args[i].Maximum = &lo, &hi
			}
		}
	}
}

// WithExclusiveMinRange bounds an already declared numeric argument to (lo, hi].
func WithExclusiveMinRange(name string, lo, hi float64) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		for i := range d.Args {
			if d.Args[i].Name == name {
				d.Args[i].ExclusiveMinimum, d.Args[i].Maximum = &lo, &hi
			}
		}
	}
}

// WithPreconditions sets CEL expressions that must hold before dispatch.
func WithPreconditions(exprs ...string) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Preconditions = append(d.Preconditions, exprs...)
	}
}

// WithEncoder sets the argument to command encoder.
func WithEncoder(enc dragonpilot.CommandEncoder) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Encode = enc
	}
}

// WithResolver sets the dispatch-time argument resolver.
func WithResolver(res dragonpilot.ArgumentResolver) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Resolve = res
	}
}

// WithNarration sets the phrases used in status strings.
func WithNarration(action, verify string) DefinitionOption {
	return func(d *dragonpilot.ToolDefinition) {
		d.Narration = dragonpilot.Narration{Action: action, Verify: verify}
	}
}

// NewDefinition creates a tool definition.
func NewDefinition(
	name string,
	kind dragonpilot.CapabilityKind,
	predicate dragonpilot.CompletionPredicate,
	options ...DefinitionOption) dragonpilot.ToolDefinition {

	def := dragonpilot.ToolDefinition{
		Name:      name,
		Kind:      kind,
		Predicate: predicate,
		MaxWait:   30 * time.Second,
		Narration: dragonpilot.Narration{Action: "running " + name, Verify: "verifying completion"},
	}

	for _, option := range options {
		option(&def)
	}

	return def
}
