package tools

import (
	"fmt"
	"os"
	"time"

	"github.com/Knetic/govaluate"
	"gopkg.in/yaml.v3"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
)

// CatalogFile is the YAML layout of a tool catalogue.
type CatalogFile struct {
	Tools []CatalogTool `yaml:"tools"`
}

// CatalogTool declares a tool whose predicate is written as expressions.
type CatalogTool struct {
	Name           string                `yaml:"name"`
	Description    string                `yaml:"description"`
	Args           []dragonpilot.ArgSlot `yaml:"args"`
	Commands       []CatalogCommand      `yaml:"commands"`
	CompleteWhen   string                `yaml:"complete_when"`
	ImpossibleWhen string                `yaml:"impossible_when"`
	MaxWait        time.Duration         `yaml:"max_wait"`
	Tolerance      float64               `yaml:"tolerance"`
	StopAction     string                `yaml:"stop_action"`
	CompleteAction string                `yaml:"complete_action"`
	Preconditions  []string              `yaml:"preconditions"`
	Narration      string                `yaml:"narration"`
}

// CatalogCommand is one vehicle command; each param is an expression over the arguments.
type CatalogCommand struct {
	Action string            `yaml:"action"`
	Params map[string]string `yaml:"params"`
}

// LoadCatalog reads a catalogue file and returns the compiled definitions.
func LoadCatalog(path string) ([]dragonpilot.ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dragonpilot.NewConfigurationError(fmt.Sprintf("failed to read catalogue %s", path), err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalogue YAML.
func ParseCatalog(data []byte) ([]dragonpilot.ToolDefinition, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, dragonpilot.NewConfigurationError("failed to parse catalogue", err)
	}
	defs := make([]dragonpilot.ToolDefinition, 0, len(file.Tools))
	for i, t := range file.Tools {
		def, err := t.compile()
		if err != nil {
			return nil, dragonpilot.NewConfigurationError(fmt.Sprintf("catalogue tool %d (%s)", i, t.Name), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterCatalog loads a catalogue file into the registry.
func RegisterCatalog(r *registry.Registry, path string) (int, error) {
	defs, err := LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}

func (t CatalogTool) compile() (dragonpilot.ToolDefinition, error) {
	if t.Name == "" {
		return dragonpilot.ToolDefinition{}, fmt.Errorf("name is required")
	}
	if t.CompleteWhen == "" {
		return dragonpilot.ToolDefinition{}, fmt.Errorf("complete_when is required")
	}
	if len(t.Commands) == 0 {
		return dragonpilot.ToolDefinition{}, fmt.Errorf("at least one command is required")
	}

	known := make(map[string]bool)
	for _, v := range telemetryVariables {
		known[v] = true
	}
	argNames := make(map[string]bool)
	for _, a := range t.Args {
		switch a.Type {
		case dragonpilot.ArgNumber, dragonpilot.ArgString, dragonpilot.ArgBool:
		default:
			return dragonpilot.ToolDefinition{}, fmt.Errorf("argument %q has unsupported type %q", a.Name, a.Type)
		}
		known[a.Name] = true
		argNames[a.Name] = true
	}

	complete, err := compileExpression(t.CompleteWhen, known)
	if err != nil {
		return dragonpilot.ToolDefinition{}, fmt.Errorf("complete_when: %w", err)
	}
	var impossibleExpr *govaluate.EvaluableExpression
	if t.ImpossibleWhen != "" {
		if impossibleExpr, err = compileExpression(t.ImpossibleWhen, known); err != nil {
			return dragonpilot.ToolDefinition{}, fmt.Errorf("impossible_when: %w", err)
		}
	}

	type compiledCommand struct {
		action string
		params map[string]*govaluate.EvaluableExpression
	}
	commands := make([]compiledCommand, 0, len(t.Commands))
	for _, c := range t.Commands {
		cc := compiledCommand{action: c.Action, params: make(map[string]*govaluate.EvaluableExpression)}
		for name, expr := range c.Params {
			e, err := compileExpression(expr, argNames)
			if err != nil {
				return dragonpilot.ToolDefinition{}, fmt.Errorf("command %s param %s: %w", c.Action, name, err)
			}
			cc.params[name] = e
		}
		commands = append(commands, cc)
	}

	maxWait := t.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	predicate := func(in dragonpilot.PredicateInput) dragonpilot.Evaluation {
		params := expressionParameters(in)
		if impossibleExpr != nil {
			hit, err := evalBool(impossibleExpr, params)
			if err != nil {
				return notYet(err.Error())
			}
			if hit {
				return impossible(fmt.Sprintf("%s holds", t.ImpossibleWhen))
			}
		}
		done, err := evalBool(complete, params)
		if err != nil {
			return notYet(err.Error())
		}
		if done {
			return satisfied(fmt.Sprintf("%s holds", t.CompleteWhen))
		}
		return notYet(fmt.Sprintf("waiting for %s", t.CompleteWhen))
	}

	encode := func(args dragonpilot.ValidatedArgs) ([]dragonpilot.VehicleCommand, error) {
		out := make([]dragonpilot.VehicleCommand, 0, len(commands))
		for _, c := range commands {
			cmd := dragonpilot.VehicleCommand{Action: c.action}
			if len(c.params) > 0 {
				cmd.Params = make(map[string]float64, len(c.params))
			}
			for name, e := range c.params {
				v, err := e.Evaluate(map[string]interface{}(args))
				if err != nil {
					return nil, fmt.Errorf("param %s: %w", name, err)
				}
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("param %s evaluated to %T, want number", name, v)
				}
				cmd.Params[name] = f
			}
			out = append(out, cmd)
		}
		return out, nil
	}

	opts := []registry.DefinitionOption{
		registry.WithDescription(t.Description),
		registry.WithMaxWait(maxWait),
		registry.WithTolerance(t.Tolerance),
		registry.WithEncoder(encode),
		registry.WithPreconditions(t.Preconditions...),
	}
	for _, a := range t.Args {
		opts = append(opts, registry.WithArg(a))
	}
	if t.StopAction != "" {
		opts = append(opts, registry.WithStopAction(t.StopAction))
	}
	if t.CompleteAction != "" {
		opts = append(opts, registry.WithCompleteAction(t.CompleteAction))
	}
	if t.Narration != "" {
		opts = append(opts, registry.WithNarration(t.Narration, "verifying completion"))
	}
	return registry.NewDefinition(t.Name, dragonpilot.KindCatalog, predicate, opts...), nil
}

func evalBool(e *govaluate.EvaluableExpression, params map[string]interface{}) (bool, error) {
	v, err := e.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, want bool", e.String(), v)
	}
	return b, nil
}
