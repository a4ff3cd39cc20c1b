// Package registry holds the name-keyed table of vehicle capabilities.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	neturl "net/url"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/precondition"
)

// Registry maps tool names to immutable definitions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*dragonpilot.ToolDefinition
	schemas map[string]*jsonschema.Schema
	sealed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]*dragonpilot.ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def dragonpilot.ToolDefinition) error {
	if def.Name == "" {
		return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup, "tool definition has no name", nil)
	}
	if def.Predicate == nil {
		return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
			fmt.Sprintf("tool '%s' has no completion predicate", def.Name), nil)
	}
	if def.MaxWait <= 0 {
		return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
			fmt.Sprintf("tool '%s' needs a positive max wait", def.Name), nil)
	}
	if def.Encode == nil {
		return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
			fmt.Sprintf("tool '%s' has no command encoder", def.Name), nil)
	}
	seen := make(map[string]bool, len(def.Args))
	for _, slot := range def.Args {
		if seen[slot.Name] {
			return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
				fmt.Sprintf("tool '%s' declares argument '%s' twice", def.Name, slot.Name), nil)
		}
		seen[slot.Name] = true
	}

	if len(def.Preconditions) > 0 {
		guard, err := precondition.Compile(def.Name, def.Preconditions)
		if err != nil {
			return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
				fmt.Sprintf("tool '%s' has an invalid precondition", def.Name), err)
		}
		def.Guard = guard
	}

	// Copy slices so the caller cannot mutate the registered definition.
	def.Args = copySlots(def.Args)
	def.Preconditions = append([]string(nil), def.Preconditions...)
	if def.StopAction != nil {
		stop := *def.StopAction
		def.StopAction = &stop
	}
	if def.CompleteAction != nil {
		complete := *def.CompleteAction
		def.CompleteAction = &complete
	}

	schema, err := compileInputSchema(&def)
	if err != nil {
		return dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageSetup,
			fmt.Sprintf("tool '%s' has an invalid argument schema", def.Name), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return dragonpilot.NewError(dragonpilot.ErrCodeInternal, dragonpilot.StageSetup,
			fmt.Sprintf("registry is sealed, cannot register '%s'", def.Name), nil)
	}
	if _, exists := r.tools[def.Name]; exists {
		return dragonpilot.NewDuplicateToolError(def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	return nil
}

func copySlots(in []dragonpilot.ArgSlot) []dragonpilot.ArgSlot {
	out := append([]dragonpilot.ArgSlot(nil), in...)
	for i := range out {
		out[i].Minimum = copyBound(out[i].Minimum)
		out[i].ExclusiveMinimum = copyBound(out[i].ExclusiveMinimum)
		out[i].Maximum = copyBound(out[i].Maximum)
	}
	return out
}

func copyBound(b *float64) *float64 {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Seal freezes the table. Later registrations fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*dragonpilot.ToolDefinition, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, dragonpilot.NewUnknownToolError(dragonpilot.StageValidation, name)
	}
	return def, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArguments checks args against the tool's compiled input schema,
// applies defaults and normalises numbers to float64.
func (r *Registry) ValidateArguments(name string, args map[string]interface{}) (dragonpilot.ValidatedArgs, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, dragonpilot.NewUnknownToolError(dragonpilot.StageValidation, name)
	}
	return validate(def, schema, args)
}

// validate reports every problem, not only the first.
func validate(def *dragonpilot.ToolDefinition, schema *jsonschema.Schema, args map[string]interface{}) (dragonpilot.ValidatedArgs, error) {
	doc := normalise(def, args)
	schemaErr := &dragonpilot.SchemaError{Tool: def.Name}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, dragonpilot.NewInternalError(dragonpilot.StageValidation,
				fmt.Sprintf("argument validation for tool '%s' failed", def.Name), err)
		}
		classify(def, doc, verr, schemaErr)
	}

	if schemaErr.HasProblems() {
		schemaErr.Sort()
		return nil, schemaErr
	}

	out := make(dragonpilot.ValidatedArgs, len(def.Args))
	for _, slot := range def.Args {
		if v, present := doc[slot.Name]; present {
			out[slot.Name] = v
			continue
		}
		if slot.Default != nil {
			if v, ok := normaliseValue(slot.Default); ok {
				out[slot.Name] = v
			}
		}
	}
	return out, nil
}

// normalise turns args into the JSON value model the schema validates.
// Nil values of declared slots count as absent.
func normalise(def *dragonpilot.ToolDefinition, args map[string]interface{}) map[string]interface{} {
	doc := make(map[string]interface{}, len(args))
	for key, raw := range args {
		if _, known := def.Slot(key); known && raw == nil {
			continue
		}
		v, _ := normaliseValue(raw)
		doc[key] = v
	}
	return doc
}

// normaliseValue converts Go numbers to float64 and anything else that is not
// already a JSON value through encoding/json. Values that cannot be
// represented become nil, which no slot type accepts.
func normaliseValue(raw interface{}) (interface{}, bool) {
	if f, ok := toFloat(raw); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	}
	switch raw.(type) {
	case nil, string, bool, map[string]interface{}, []interface{}:
		return raw, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// classify sorts the leaf causes of a validation error into the SchemaError lists.
func classify(def *dragonpilot.ToolDefinition, doc map[string]interface{}, verr *jsonschema.ValidationError, out *dragonpilot.SchemaError) {
	seen := make(map[string]bool)
	add := func(list *[]string, kind, name string) {
		if name == "" || seen[kind+"/"+name] {
			return
		}
		seen[kind+"/"+name] = true
		*list = append(*list, name)
	}

	for _, leaf := range leaves(verr) {
		switch keyword(leaf.KeywordLocation) {
		case "required":
			for _, slot := range def.Args {
				if _, present := doc[slot.Name]; slot.Required && !present {
					add(&out.Missing, "missing", slot.Name)
				}
			}
		case "additionalProperties":
			for key := range doc {
				if _, ok := def.Slot(key); !ok {
					add(&out.Unknown, "unknown", key)
				}
			}
		case "minimum", "exclusiveMinimum", "maximum", "exclusiveMaximum":
			add(&out.OutOfRange, "range", property(leaf.InstanceLocation))
		default:
			add(&out.Mistyped, "type", property(leaf.InstanceLocation))
		}
	}
}

func leaves(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var out []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		out = append(out, leaves(cause)...)
	}
	return out
}

func keyword(location string) string {
	return location[strings.LastIndex(location, "/")+1:]
}

// property returns the top-level property a JSON pointer such as "/latitude" refers to.
func property(pointer string) string {
	name := strings.TrimPrefix(pointer, "/")
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[:i]
	}
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(name)
}

// Summaries returns discovery summaries sorted by name.
func (r *Registry) Summaries() []dragonpilot.ToolSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]dragonpilot.ToolSummary, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, dragonpilot.ToolSummary{
			Name:          def.Name,
			Description:   def.Description,
			Kind:          def.Kind,
			Args:          copySlots(def.Args),
			MaxWait:       def.MaxWait.String(),
			Tolerance:     def.Tolerance,
			Preconditions: append([]string(nil), def.Preconditions...),
			InputSchema:   InputSchema(def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InputSchema renders the argument slots as a JSON Schema object.
func InputSchema(def *dragonpilot.ToolDefinition) map[string]interface{} {
	props := make(map[string]interface{}, len(def.Args))
	required := []string{}
	for _, slot := range def.Args {
		prop := map[string]interface{}{"type": jsonType(slot.Type)}
		if slot.Description != "" {
			prop["description"] = slot.Description
		}
		if slot.Default != nil {
			prop["default"] = slot.Default
		}
		if slot.Type == dragonpilot.ArgNumber {
			if slot.Minimum != nil {
				prop["minimum"] = *slot.Minimum
			}
			if slot.ExclusiveMinimum != nil {
				prop["exclusiveMinimum"] = *slot.ExclusiveMinimum
			}
			if slot.Maximum != nil {
				prop["maximum"] = *slot.Maximum
			}
		}
		props[slot.Name] = prop
		if slot.Required {
			required = append(required, slot.Name)
		}
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

const schemaBase = "https://dragonpilot.local/tools/"

// compileInputSchema compiles InputSchema(def) as a Draft 2020-12 schema.
func compileInputSchema(def *dragonpilot.ToolDefinition) (*jsonschema.Schema, error) {
	data, err := json.Marshal(InputSchema(def))
	if err != nil {
		return nil, fmt.Errorf("tool schema %s encode failed: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := schemaBase + neturl.PathEscape(def.Name) + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("tool schema %s load failed: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool schema %s compile failed: %w", def.Name, err)
	}
	return schema, nil
}

func jsonType(t dragonpilot.ArgType) string {
	switch t {
	case dragonpilot.ArgBool:
		return "boolean"
	case dragonpilot.ArgString:
		return "string"
	default:
		return "number"
	}
}
