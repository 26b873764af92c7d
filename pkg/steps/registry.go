// Package steps catalogs the known step types: their required and optional
// definition fields and where they execute. Load-time validation and the
// execution engine both classify steps through this catalog.
package steps

import (
	"sort"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Location is where a step executes.
type Location string

const (
	LocationServer Location = "server"
	LocationClient Location = "client"
)

// Step type names.
const (
	TypeUserMessage     = "user_message"
	TypeUserInput       = "user_input"
	TypeMCPCall         = "mcp_call"
	TypeAgentPrompt     = "agent_prompt"
	TypeAgentResponse   = "agent_response"
	TypeShellCommand    = "shell_command"
	TypeConditional     = "conditional"
	TypeWhileLoop       = "while_loop"
	TypeForeach         = "foreach"
	TypeParallelForeach = "parallel_foreach"
	TypeBreak           = "break"
	TypeContinue        = "continue"
)

// Spec describes one step type.
type Spec struct {
	Required []string
	Optional []string
	Location Location
}

// Common optional sub-fields accepted on any step.
var commonOptional = []string{"state_update", "state_updates", "error_handling"}

var catalog = map[string]Spec{
	TypeUserMessage: {
		Required: []string{"message"},
		Optional: []string{"format", "message_type"},
		Location: LocationClient,
	},
	TypeUserInput: {
		Required: []string{"prompt"},
		Optional: []string{"input_type", "validation", "timeout", "max_retries"},
		Location: LocationClient,
	},
	TypeMCPCall: {
		Required: []string{"tool"},
		Optional: []string{"parameters", "timeout"},
		Location: LocationClient,
	},
	TypeAgentPrompt: {
		Required: []string{"prompt"},
		Optional: []string{"sub_agent", "timeout"},
		Location: LocationClient,
	},
	TypeAgentResponse: {
		Required: []string{},
		Optional: []string{"response_schema"},
		Location: LocationClient,
	},
	TypeShellCommand: {
		Required: []string{"command"},
		Optional: []string{"execution_context", "timeout"},
		Location: LocationServer, // client when execution_context == "client"
	},
	TypeConditional: {
		Required: []string{"condition"},
		Optional: []string{"then_steps", "else_steps"},
		Location: LocationServer,
	},
	TypeWhileLoop: {
		Required: []string{"condition", "body"},
		Optional: []string{"max_iterations"},
		Location: LocationServer,
	},
	TypeForeach: {
		Required: []string{"items", "body"},
		Optional: []string{"parallel", "max_concurrent"},
		Location: LocationServer,
	},
	TypeParallelForeach: {
		Required: []string{"items", "sub_agent_task"},
		Optional: []string{"max_parallel", "timeout_seconds", "wait_for_all"},
		Location: LocationServer,
	},
	TypeBreak:    {Location: LocationServer},
	TypeContinue: {Location: LocationServer},
}

// deprecated maps retired step types to their migration hint.
var deprecated = map[string]string{
	"state_update":       "use the state_update field on another step instead of a standalone state_update step",
	"batch_state_update": "use the state_updates field on another step instead of a standalone batch_state_update step",
}

// Lookup returns the spec of a step type. Deprecated types are rejected
// with their migration hint.
func Lookup(stepType string) (Spec, error) {
	if hint, ok := deprecated[stepType]; ok {
		return Spec{}, workflow.NewError(workflow.CodeConstraintViolation,
			"step type %q is deprecated: %s", stepType, hint)
	}
	spec, ok := catalog[stepType]
	if !ok {
		return Spec{}, workflow.NewError(workflow.CodeConstraintViolation,
			"unknown step type %q", stepType)
	}
	return spec, nil
}

// Classify resolves the execution location of a concrete step, honoring the
// shell_command execution_context escape hatch.
func Classify(step workflow.Step) (Location, error) {
	spec, err := Lookup(step.Type)
	if err != nil {
		return "", err
	}
	if step.Type == TypeShellCommand {
		if ec, ok := step.Definition["execution_context"].(string); ok && ec == "client" {
			return LocationClient, nil
		}
		return LocationServer, nil
	}
	return spec.Location, nil
}

// IsControlFlow reports whether the type is a control-flow construct, which
// acts as a batch barrier once client steps are pending.
func IsControlFlow(stepType string) bool {
	switch stepType {
	case TypeConditional, TypeWhileLoop, TypeForeach, TypeParallelForeach, TypeBreak, TypeContinue:
		return true
	}
	return false
}

// Validate checks a step's definition fields against its spec: required
// fields must be present, and every present field must be declared.
func Validate(step workflow.Step) error {
	spec, err := Lookup(step.Type)
	if err != nil {
		return err
	}
	for _, field := range spec.Required {
		if _, ok := step.Definition[field]; !ok {
			return workflow.NewError(workflow.CodeConstraintViolation,
				"step type %q requires field %q", step.Type, field).WithStep(step.ID)
		}
	}
	allowed := make(map[string]bool, len(spec.Required)+len(spec.Optional)+len(commonOptional))
	for _, f := range spec.Required {
		allowed[f] = true
	}
	for _, f := range spec.Optional {
		allowed[f] = true
	}
	for _, f := range commonOptional {
		allowed[f] = true
	}
	unknown := make([]string, 0)
	for field := range step.Definition {
		if !allowed[field] {
			unknown = append(unknown, field)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return workflow.NewError(workflow.CodeConstraintViolation,
			"step type %q does not accept field %q", step.Type, unknown[0]).WithStep(step.ID)
	}
	return nil
}

// Types returns all known step type names, sorted.
func Types() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
