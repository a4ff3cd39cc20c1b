package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// MissionFile is the on-disk form of a mission plan.
type MissionFile struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Steps       []MissionStep `yaml:"steps" json:"steps"`
}

// MissionStep is one step of a mission file.
type MissionStep struct {
	Tool        string                 `yaml:"tool" json:"tool"`
	Args        map[string]interface{} `yaml:"args" json:"args"`
	Description string                 `yaml:"description" json:"description"`
}

// MissionFileLoader parses mission files of one format.
type MissionFileLoader interface {
	Parse(data []byte) (*MissionFile, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]MissionFileLoader)
)

// RegisterMissionFileLoader registers a loader for its format.
func RegisterMissionFileLoader(loader MissionFileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetMissionFileLoader retrieves a loader by format name (e.g., "yaml").
func GetMissionFileLoader(format string) (MissionFileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader parses YAML mission files.
type YAMLLoader struct{}

func (YAMLLoader) Parse(data []byte) (*MissionFile, error) {
	var m MissionFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mission YAML: %w", err)
	}
	return &m, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader parses JSON mission files. Unknown fields are rejected.
type JSONLoader struct{}

func (JSONLoader) Parse(data []byte) (*MissionFile, error) {
	var m MissionFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse mission JSON: %w", err)
	}
	return &m, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterMissionFileLoader(YAMLLoader{})
	RegisterMissionFileLoader(JSONLoader{})
}

// FormatForPath picks a loader format from a file extension. YAML is the default.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadMissionFile reads and parses the mission file at path.
func LoadMissionFile(path string) (*MissionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mission file: %w", err)
	}
	return ParseMissionFile(data, FormatForPath(path))
}

// ParseMissionFile parses data with the loader registered for format.
func ParseMissionFile(data []byte, format string) (*MissionFile, error) {
	loader, ok := GetMissionFileLoader(format)
	if !ok {
		return nil, fmt.Errorf("no mission loader registered for format %q", format)
	}
	return loader.Parse(data)
}

// Validate checks the file's structure. Tool names and arguments are checked
// against the registry when the plan executes.
func (m *MissionFile) Validate() error {
	if len(m.Steps) == 0 {
		return dragonpilot.NewEmptyPlanError()
	}
	for i, s := range m.Steps {
		if strings.TrimSpace(s.Tool) == "" {
			return fmt.Errorf("step %d has no tool", i+1)
		}
	}
	return nil
}

// NewPlanID returns a new sortable plan identifier.
func NewPlanID() string {
	return ulid.Make().String()
}

// ToMissionPlan converts the file to a MissionPlan, assigning an ID when the file has none.
func (m *MissionFile) ToMissionPlan(now time.Time) *dragonpilot.MissionPlan {
	id := m.ID
	if id == "" {
		id = NewPlanID()
	}
	steps := make([]dragonpilot.PlanStep, 0, len(m.Steps))
	for _, s := range m.Steps {
		args := make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			args[k] = v
		}
		steps = append(steps, dragonpilot.PlanStep{Tool: s.Tool, Args: args, Description: s.Description})
	}
	return &dragonpilot.MissionPlan{ID: id, Name: m.Name, CreatedAt: now, Steps: steps}
}

// LoadAndValidateMission loads a mission file, validates it and returns the plan.
func LoadAndValidateMission(path string) (*dragonpilot.MissionPlan, error) {
	m, err := LoadMissionFile(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.ToMissionPlan(time.Now()), nil
}
