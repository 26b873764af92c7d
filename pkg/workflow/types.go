// Package workflow defines the shared definition and instance types for the
// workflow execution engine.
package workflow

import "time"

// Definition is an immutable, already-parsed workflow definition. The engine
// receives definitions from the loader and never mutates them.
type Definition struct {
	Name          string                   `json:"name" yaml:"name"`
	Description   string                   `json:"description,omitempty" yaml:"description"`
	Version       string                   `json:"version" yaml:"version"`
	Inputs        map[string]InputDecl     `json:"inputs,omitempty" yaml:"inputs"`
	DefaultState  DefaultState             `json:"default_state,omitempty" yaml:"default_state"`
	StateSchema   StateSchema              `json:"state_schema,omitempty" yaml:"state_schema"`
	Steps         []Step                   `json:"steps" yaml:"steps"`
	SubAgentTasks map[string]*SubAgentTask `json:"sub_agent_tasks,omitempty" yaml:"sub_agent_tasks"`
}

// InputDecl declares a single workflow input.
type InputDecl struct {
	Type       string      `json:"type" yaml:"type"`
	Required   bool        `json:"required,omitempty" yaml:"required"`
	Default    interface{} `json:"default,omitempty" yaml:"default"`
	Validation string      `json:"validation,omitempty" yaml:"validation"`
}

// DefaultState holds initial values for the writable state tier.
type DefaultState struct {
	State map[string]interface{} `json:"state,omitempty" yaml:"state"`
}

// StateSchema declares the computed tier.
type StateSchema struct {
	Computed map[string]ComputedField `json:"computed,omitempty" yaml:"computed"`
}

// ComputedField describes one derived state field. From names one or more
// flattened-view paths; when it lists several, the transform sees "input" as
// an ordered array, otherwise as the scalar value.
type ComputedField struct {
	From      interface{} `json:"from" yaml:"from"` // string or []string
	Transform string      `json:"transform" yaml:"transform"`
	OnError   OnErrorMode `json:"on_error,omitempty" yaml:"on_error"`
	Fallback  interface{} `json:"fallback,omitempty" yaml:"fallback"`
}

// OnErrorMode selects how a computed field reacts to a failing transform.
type OnErrorMode string

const (
	OnErrorPropagate   OnErrorMode = "propagate"
	OnErrorUseFallback OnErrorMode = "use_fallback"
	OnErrorIgnore      OnErrorMode = "ignore"
)

// FromPaths normalizes From into a path list and reports whether the
// descriptor declared a list (which changes the shape of "input").
func (c ComputedField) FromPaths() ([]string, bool) {
	switch v := c.From.(type) {
	case string:
		return []string{v}, false
	case []string:
		return v, true
	case []interface{}:
		paths := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
		return paths, true
	default:
		return nil, false
	}
}

// Step is a single authored workflow step. Type selects a processor and
// Definition carries the remaining per-type configuration.
type Step struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       string                 `json:"type" yaml:"type"`
	Definition map[string]interface{} `json:"definition" yaml:"definition"`
}

// SubAgentTask is a named template instantiated as an isolated sub-workflow
// by a parallel_foreach step.
type SubAgentTask struct {
	Description  string               `json:"description,omitempty" yaml:"description"`
	Inputs       map[string]InputDecl `json:"inputs,omitempty" yaml:"inputs"`
	DefaultState DefaultState         `json:"default_state,omitempty" yaml:"default_state"`
	StateSchema  StateSchema          `json:"state_schema,omitempty" yaml:"state_schema"`
	Steps        []Step               `json:"steps" yaml:"steps"`
}

// Definition converts the task template into a standalone definition bound to
// a parent, so sub-agents run through the same machinery as any workflow. The
// fan-out bindings item, index and total are declared implicitly.
func (t *SubAgentTask) Definition(name, parentName string) *Definition {
	inputs := make(map[string]InputDecl, len(t.Inputs)+3)
	for k, v := range t.Inputs {
		inputs[k] = v
	}
	for name, decl := range map[string]InputDecl{
		"item":  {Type: "any"},
		"index": {Type: "number"},
		"total": {Type: "number"},
	} {
		if _, ok := inputs[name]; !ok {
			inputs[name] = decl
		}
	}
	return &Definition{
		Name:         parentName + "/" + name,
		Description:  t.Description,
		Version:      "0.0.0",
		Inputs:       inputs,
		DefaultState: t.DefaultState,
		StateSchema:  t.StateSchema,
		Steps:        t.Steps,
	}
}

// Status is the lifecycle status of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StateUpdate is one atomic update entry: {path, operation, value}.
type StateUpdate struct {
	Path      string      `json:"path" yaml:"path"`
	Operation string      `json:"operation,omitempty" yaml:"operation"`
	Value     interface{} `json:"value" yaml:"value"`
}

// Update operations.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpAppend    = "append"
	OpMerge     = "merge"
)

// StateView is the read snapshot returned by the state API. Raw is a legacy
// alias that shallow-mirrors State.
type StateView struct {
	Inputs   map[string]interface{} `json:"inputs"`
	State    map[string]interface{} `json:"state"`
	Computed map[string]interface{} `json:"computed"`
	Raw      map[string]interface{} `json:"raw"`
}

// InstanceInfo is the status projection of a workflow instance.
type InstanceInfo struct {
	WorkflowID       string                 `json:"workflow_id"`
	WorkflowName     string                 `json:"workflow_name"`
	Status           Status                 `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	TotalSteps       int                    `json:"total_steps"`
	State            map[string]interface{} `json:"state,omitempty"`
	ExecutionContext map[string]interface{} `json:"execution_context,omitempty"`
}
