package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepsFromAnyMapForm(t *testing.T) {
	steps, err := StepsFromAny([]interface{}{
		map[string]interface{}{"id": "a", "type": "user_message", "message": "hi"},
		map[string]interface{}{"type": "break"},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].ID)
	assert.Equal(t, "hi", steps[0].Definition["message"])
	_, leaked := steps[0].Definition["id"]
	assert.False(t, leaked)
	assert.Equal(t, "break", steps[1].Type)
}

func TestStepsFromAnyTypedForm(t *testing.T) {
	typed := []Step{{ID: "a", Type: "user_message"}}
	steps, err := StepsFromAny(typed)
	require.NoError(t, err)
	assert.Equal(t, typed, steps)

	steps, err = StepsFromAny(nil)
	require.NoError(t, err)
	assert.Nil(t, steps)
}

func TestStepsFromAnyRejectsMalformedSteps(t *testing.T) {
	_, err := StepsFromAny([]interface{}{"not a step"})
	require.Error(t, err)

	_, err = StepsFromAny([]interface{}{map[string]interface{}{"id": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")

	_, err = StepsFromAny("scalar")
	require.Error(t, err)
}

func TestUpdatesFromStep(t *testing.T) {
	updates, err := UpdatesFromStep(map[string]interface{}{
		"state_update": map[string]interface{}{"path": "state.a", "value": 1},
		"state_updates": []interface{}{
			map[string]interface{}{"path": "state.b", "operation": "increment"},
		},
	})
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "state.a", updates[0].Path)
	assert.Equal(t, "state.b", updates[1].Path)
	assert.Equal(t, OpIncrement, updates[1].Operation)

	_, err = UpdatesFromStep(map[string]interface{}{
		"state_update": map[string]interface{}{"value": 1},
	})
	require.Error(t, err)
}

func TestDefinitionFieldHelpers(t *testing.T) {
	def := map[string]interface{}{
		"name":    "x",
		"n":       3,
		"f":       2.5,
		"enabled": true,
		"seconds": 1.5,
	}
	assert.Equal(t, "x", GetString(def, "name"))
	assert.Equal(t, "", GetString(def, "missing"))
	assert.Equal(t, 3, GetInt(def, "n", 9))
	assert.Equal(t, 2, GetInt(def, "f", 9))
	assert.Equal(t, 9, GetInt(def, "missing", 9))
	assert.True(t, GetBool(def, "enabled", false))
	assert.False(t, GetBool(def, "missing", false))
	assert.Equal(t, 1500*time.Millisecond, GetDuration(def, "seconds", 0))
	assert.Equal(t, time.Minute, GetDuration(def, "missing", time.Minute))
}

func TestSubAgentTaskDefinitionInjectsFanoutInputs(t *testing.T) {
	task := &SubAgentTask{
		Inputs: map[string]InputDecl{"target": {Type: "string", Required: true}},
		Steps:  []Step{{ID: "s", Type: "user_message", Definition: map[string]interface{}{"message": "x"}}},
	}

	def := task.Definition("push", "deploy:release")
	assert.Equal(t, "deploy:release/push", def.Name)
	assert.Contains(t, def.Inputs, "target")
	assert.Contains(t, def.Inputs, "item")
	assert.Contains(t, def.Inputs, "index")
	assert.Contains(t, def.Inputs, "total")
}
