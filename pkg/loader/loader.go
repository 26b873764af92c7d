// Package loader reads workflow definitions from YAML and validates their
// structure before the engine ever sees them: naming, versioning, step
// fields against the registry, unique step IDs, loop-context checks and the
// computed dependency graph.
package loader

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-go/stepflow/pkg/expr"
	"github.com/stepflow-go/stepflow/pkg/state"
	"github.com/stepflow-go/stepflow/pkg/steps"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

var (
	nameRe    = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[a-z][a-z0-9_-]*$`)
	versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// LoadFile reads and validates one workflow definition file.
func LoadFile(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML into a validated definition.
func Parse(data []byte) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, workflow.NewError(workflow.CodeConstraintViolation, "parsing workflow: %v", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// FromMap converts an inline definition object, as received over the API,
// into a validated definition.
func FromMap(m map[string]interface{}) (*workflow.Definition, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, workflow.NewError(workflow.CodeConstraintViolation, "encoding definition: %v", err)
	}
	return Parse(data)
}

// Validate runs every structural check on a parsed definition.
func Validate(def *workflow.Definition) error {
	if def == nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "definition is required")
	}
	if !nameRe.MatchString(def.Name) {
		return workflow.NewError(workflow.CodeConstraintViolation,
			"workflow name %q must match namespace:identifier", def.Name)
	}
	if !versionRe.MatchString(def.Version) {
		return workflow.NewError(workflow.CodeConstraintViolation,
			"workflow version %q must be a semantic version", def.Version)
	}
	if err := state.ValidateSchema(def.StateSchema); err != nil {
		return err
	}
	if err := validateComputedTransforms(def.StateSchema); err != nil {
		return err
	}

	v := &stepValidator{
		seen:  make(map[string]string),
		tasks: def.SubAgentTasks,
	}
	if err := v.walk(def.Steps, 0); err != nil {
		return err
	}
	for name, task := range def.SubAgentTasks {
		if task == nil {
			return workflow.NewError(workflow.CodeConstraintViolation,
				"sub_agent_task %q is empty", name)
		}
		if err := state.ValidateSchema(task.StateSchema); err != nil {
			return err
		}
		tv := &stepValidator{seen: make(map[string]string)}
		if err := tv.walk(task.Steps, 0); err != nil {
			return workflow.AsError(err, workflow.CodeConstraintViolation).WithPath("sub_agent_tasks." + name)
		}
	}
	return nil
}

// validateComputedTransforms compiles every transform so expression syntax
// errors surface at load time.
func validateComputedTransforms(schema workflow.StateSchema) error {
	eval := expr.New()
	for name, field := range schema.Computed {
		if field.Transform == "" {
			return workflow.NewError(workflow.CodeConstraintViolation,
				"computed field %q has no transform", name)
		}
		if err := eval.Compile(field.Transform); err != nil {
			return workflow.NewError(workflow.CodeExpressionError,
				"computed field %q: %v", name, err).WithPath("computed." + name)
		}
	}
	return nil
}

type stepValidator struct {
	seen  map[string]string // step ID -> step type
	tasks map[string]*workflow.SubAgentTask
}

func (v *stepValidator) walk(list []workflow.Step, loopDepth int) error {
	for _, step := range list {
		if err := steps.Validate(step); err != nil {
			return err
		}
		if step.ID != "" {
			if prev, dup := v.seen[step.ID]; dup {
				return workflow.NewError(workflow.CodeConstraintViolation,
					"duplicate step id %q (already used by a %s step)", step.ID, prev)
			}
			v.seen[step.ID] = step.Type
		}

		switch step.Type {
		case steps.TypeBreak, steps.TypeContinue:
			if loopDepth == 0 {
				return workflow.NewError(workflow.CodeControlFlowError,
					"%s outside of a loop body", step.Type).WithStep(stepName(step))
			}
		case steps.TypeConditional:
			for _, key := range []string{"then_steps", "else_steps"} {
				branch, err := workflow.StepsFromAny(step.Definition[key])
				if err != nil {
					return workflow.NewError(workflow.CodeConstraintViolation,
						"%s: %v", key, err).WithStep(stepName(step))
				}
				if err := v.walk(branch, loopDepth); err != nil {
					return err
				}
			}
		case steps.TypeWhileLoop, steps.TypeForeach:
			body, err := workflow.StepsFromAny(step.Definition["body"])
			if err != nil {
				return workflow.NewError(workflow.CodeConstraintViolation,
					"body: %v", err).WithStep(stepName(step))
			}
			if err := v.walk(body, loopDepth+1); err != nil {
				return err
			}
		case steps.TypeParallelForeach:
			name := workflow.GetString(step.Definition, "sub_agent_task")
			if v.tasks != nil {
				if _, ok := v.tasks[name]; !ok {
					return workflow.NewError(workflow.CodeSubAgentTaskNotFound,
						"sub_agent_task %q is not defined", name).WithStep(stepName(step))
				}
			}
		}
	}
	return nil
}

func stepName(step workflow.Step) string {
	if step.ID != "" {
		return step.ID
	}
	return step.Type
}
