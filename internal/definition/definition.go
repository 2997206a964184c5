// Package definition loads task blueprints from YAML and materializes them
// as tasks, steps, edges, and initial transitions.
package definition

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/workgraph/workgraph/internal/domain/fault"
)

type HandlerRef struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

type StepTemplate struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Handler   HandlerRef `yaml:"handler"`
	DependsOn []string   `yaml:"depends_on"`

	RetryLimit     int   `yaml:"retry_limit"`
	Retryable      *bool `yaml:"retryable"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`

	Config map[string]interface{} `yaml:"config"`
	Inputs map[string]interface{} `yaml:"inputs"`
}

type TaskDefinition struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Concurrent              bool `yaml:"concurrent"`
	SequentialHaltOnFailure bool `yaml:"sequential_halt_on_failure"`

	Context map[string]interface{} `yaml:"context"`
	Tags    map[string]string      `yaml:"tags"`

	Steps []StepTemplate `yaml:"steps"`
}

func Load(path string) (*TaskDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*TaskDefinition, error) {
	var def TaskDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fault.Wrap(fault.CodeValidation, "definition.parse", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks identifiers, dependency references, and acyclicity.
func (d *TaskDefinition) Validate() error {
	const op = "definition.validate"
	if d.ID == "" {
		return fault.New(fault.CodeValidation, op, "task id required")
	}
	if len(d.Steps) == 0 {
		return fault.New(fault.CodeValidation, op, "at least one step required")
	}

	byID := make(map[string]*StepTemplate, len(d.Steps))
	for i := range d.Steps {
		st := &d.Steps[i]
		if st.ID == "" {
			return fault.New(fault.CodeValidation, op, "step id required")
		}
		if _, dup := byID[st.ID]; dup {
			return fault.New(fault.CodeValidation, op, fmt.Sprintf("duplicate step id %q", st.ID))
		}
		if st.Handler.Namespace == "" || st.Handler.Name == "" {
			return fault.New(fault.CodeValidation, op, fmt.Sprintf("step %q: handler namespace and name required", st.ID))
		}
		if st.RetryLimit < 0 {
			return fault.New(fault.CodeValidation, op, fmt.Sprintf("step %q: negative retry_limit", st.ID))
		}
		byID[st.ID] = st
	}

	for _, st := range d.Steps {
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return fault.New(fault.CodeValidation, op, fmt.Sprintf("step %q depends on itself", st.ID))
			}
			if _, ok := byID[dep]; !ok {
				return fault.New(fault.CodeValidation, op, fmt.Sprintf("step %q depends on unknown step %q", st.ID, dep))
			}
		}
	}
	return d.validateAcyclic()
}

// validateAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (d *TaskDefinition) validateAcyclic() error {
	indegree := make(map[string]int, len(d.Steps))
	children := make(map[string][]string, len(d.Steps))
	for _, st := range d.Steps {
		if _, ok := indegree[st.ID]; !ok {
			indegree[st.ID] = 0
		}
		for _, dep := range st.DependsOn {
			indegree[st.ID]++
			children[dep] = append(children[dep], st.ID)
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(indegree) {
		return fault.New(fault.CodeValidation, "definition.validate", "dependency graph has a cycle")
	}
	return nil
}
