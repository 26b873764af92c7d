package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

const sampleWorkflow = `
name: "deploy:release"
description: "Build and deploy a release"
version: "1.2.0"
inputs:
  environment:
    type: string
    required: true
default_state:
  state:
    attempts: 0
state_schema:
  computed:
    ready:
      from: "state.attempts"
      transform: "input < 3"
steps:
  - id: build
    type: shell_command
    command: "make build"
    state_update:
      path: "state.attempts"
      operation: increment
  - id: confirm
    type: user_input
    prompt: "Deploy {{ inputs.environment }}?"
  - id: maybe
    type: conditional
    condition: "{{ ready }}"
    then_steps:
      - id: announce
        type: user_message
        message: "deploying"
  - id: fanout
    type: parallel_foreach
    items: "{{ state.targets }}"
    sub_agent_task: push
sub_agent_tasks:
  push:
    steps:
      - id: push_one
        type: shell_command
        command: "push {{ item }}"
`

func TestParseSampleWorkflow(t *testing.T) {
	def, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "deploy:release", def.Name)
	assert.Equal(t, "1.2.0", def.Version)
	require.Len(t, def.Steps, 4)

	build := def.Steps[0]
	assert.Equal(t, "build", build.ID)
	assert.Equal(t, "shell_command", build.Type)
	assert.Equal(t, "make build", build.Definition["command"])
	_, hasID := build.Definition["id"]
	assert.False(t, hasID, "id must not leak into the definition")

	assert.Contains(t, def.SubAgentTasks, "push")
	require.Len(t, def.SubAgentTasks["push"].Steps, 1)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleWorkflow), 0o644))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy:release", def.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFromMap(t *testing.T) {
	def, err := FromMap(map[string]interface{}{
		"name":    "demo:inline",
		"version": "0.1.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "hi", "type": "user_message", "message": "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "demo:inline", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "hello", def.Steps[0].Definition["message"])
}

func TestValidateRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "deploy", "Deploy:release", "deploy:", ":release", "deploy release"} {
		_, err := FromMap(map[string]interface{}{
			"name": name, "version": "1.0.0",
		})
		require.Error(t, err, name)
		assert.Equal(t, workflow.CodeConstraintViolation, workflow.CodeOf(err), name)
	}
}

func TestValidateRejectsBadVersions(t *testing.T) {
	for _, version := range []string{"", "1", "1.0", "v1.0.0", "1.0.0-beta"} {
		_, err := FromMap(map[string]interface{}{
			"name": "demo:versions", "version": version,
		})
		require.Error(t, err, version)
	}
}

func TestValidateRejectsUnknownStepType(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:unknown", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "x", "type": "teleport"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestValidateRejectsDeprecatedStepType(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:old", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "x", "type": "state_update", "path": "state.n", "value": 1},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deprecated")
}

func TestValidateRejectsDuplicateStepIDs(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:dups", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "x", "type": "user_message", "message": "a"},
			map[string]interface{}{"id": "x", "type": "user_message", "message": "b"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsBreakOutsideLoop(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:loosebreak", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "gate", "type": "conditional", "condition": "true",
				"then_steps": []interface{}{
					map[string]interface{}{"id": "brk", "type": "break"},
				}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeControlFlowError, workflow.CodeOf(err))
}

func TestValidateAcceptsBreakInsideLoopBody(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:okbreak", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "loop", "type": "while_loop", "condition": "true",
				"body": []interface{}{
					map[string]interface{}{"id": "gate", "type": "conditional", "condition": "true",
						"then_steps": []interface{}{
							map[string]interface{}{"id": "brk", "type": "break"},
						}},
				}},
		},
	})
	require.NoError(t, err)
}

func TestValidateRejectsUnknownSubAgentTask(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:ghost", "version": "1.0.0",
		"steps": []interface{}{
			map[string]interface{}{"id": "fan", "type": "parallel_foreach",
				"items": []interface{}{1}, "sub_agent_task": "ghost"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeSubAgentTaskNotFound, workflow.CodeOf(err))
}

func TestValidateRejectsCyclicComputedGraph(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:cycle", "version": "1.0.0",
		"state_schema": map[string]interface{}{
			"computed": map[string]interface{}{
				"a": map[string]interface{}{"from": "computed.b", "transform": "input"},
				"b": map[string]interface{}{"from": "computed.a", "transform": "input"},
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeCircularDependency, workflow.CodeOf(err))
}

func TestValidateRejectsBadTransformSyntax(t *testing.T) {
	_, err := FromMap(map[string]interface{}{
		"name": "demo:badexpr", "version": "1.0.0",
		"state_schema": map[string]interface{}{
			"computed": map[string]interface{}{
				"danger": map[string]interface{}{"from": "state.x", "transform": "eval('1')"},
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeExpressionError, workflow.CodeOf(err))
}
