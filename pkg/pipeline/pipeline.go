// Package pipeline loads declarative task sets from YAML or JSON files
// and turns them into scheduler submissions.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/agora/pkg/scheduler"
)

// TaskSpec declares one task in a pipeline file.
type TaskSpec struct {
	ID         string         `yaml:"id" json:"id"`
	Action     string         `yaml:"action" json:"action"`
	Capability string         `yaml:"capability" json:"capability"`
	Priority   int            `yaml:"priority" json:"priority"`
	DependsOn  []string       `yaml:"depends_on" json:"depends_on,omitempty"`
	Params     map[string]any `yaml:"params" json:"params,omitempty"`
	Fallback   any            `yaml:"fallback" json:"fallback,omitempty"`
}

// Pipeline is a named set of interdependent tasks.
type Pipeline struct {
	Name  string     `yaml:"name" json:"name"`
	Tasks []TaskSpec `yaml:"tasks" json:"tasks"`
}

// Load reads a pipeline from a YAML or JSON file.
func Load(path string) (*Pipeline, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pipeline path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return ParseYAML(data)
	}
}

// ParseYAML loads a pipeline from YAML and validates it.
func ParseYAML(data []byte) (*Pipeline, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse yaml pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseJSON loads a pipeline from JSON and validates it.
func ParseJSON(data []byte) (*Pipeline, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse json pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural rules a pipeline file must satisfy.
// Dependency cycles are the scheduler's call; it rejects them at
// submission with full knowledge of already-running tasks.
func (p *Pipeline) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("pipeline %q declares no tasks", p.Name)
	}
	seen := make(map[string]struct{}, len(p.Tasks))
	for i, task := range p.Tasks {
		if task.ID == "" {
			return fmt.Errorf("pipeline %q: task %d has no id", p.Name, i)
		}
		if task.Capability == "" {
			return fmt.Errorf("pipeline %q: task %q has no capability", p.Name, task.ID)
		}
		if _, dup := seen[task.ID]; dup {
			return fmt.Errorf("pipeline %q: duplicate task id %q", p.Name, task.ID)
		}
		seen[task.ID] = struct{}{}
	}
	for _, task := range p.Tasks {
		for _, dep := range task.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("pipeline %q: task %q depends on unknown task %q", p.Name, task.ID, dep)
			}
		}
	}
	return nil
}

// SubmitRequests converts the pipeline into a batch the scheduler can
// accept atomically. The action and params become the task description.
func (p *Pipeline) SubmitRequests() []scheduler.SubmitRequest {
	reqs := make([]scheduler.SubmitRequest, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		description := map[string]any{"action": task.Action}
		for k, v := range task.Params {
			if k != "action" {
				description[k] = v
			}
		}
		reqs = append(reqs, scheduler.SubmitRequest{
			ID:          task.ID,
			Description: description,
			Capability:  task.Capability,
			Priority:    task.Priority,
			DependsOn:   append([]string(nil), task.DependsOn...),
			Fallback:    task.Fallback,
		})
	}
	return reqs
}
