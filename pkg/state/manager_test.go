package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-go/stepflow/pkg/expr"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

func newTestManager() *Manager {
	return NewManager(expr.New())
}

func TestInitializeComputesFieldsInOrder(t *testing.T) {
	m := newTestManager()

	// double derives from state.a; quad derives from double, so the first
	// pass must respect dependency order regardless of map iteration.
	store, err := m.Initialize("wf_test0001", nil,
		workflow.DefaultState{State: map[string]interface{}{"a": 2}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"double": {From: "state.a", Transform: "input * 2"},
			"quad":   {From: "computed.double", Transform: "input * 2"},
		}})
	require.NoError(t, err)

	view := store.Read(nil)
	assert.EqualValues(t, 4, view.Computed["double"])
	assert.EqualValues(t, 8, view.Computed["quad"])
}

func TestComputedCascadeOnUpdate(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0002", nil,
		workflow.DefaultState{State: map[string]interface{}{"a": 2}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"double": {From: "state.a", Transform: "input * 2"},
			"quad":   {From: "computed.double", Transform: "input * 2"},
		}})
	require.NoError(t, err)

	view, err := store.Update([]workflow.StateUpdate{
		{Path: "state.a", Value: 3},
	}, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 6, view.Computed["double"])
	assert.EqualValues(t, 12, view.Computed["quad"])
}

func TestCircularDependencyFailsAtInitialize(t *testing.T) {
	m := newTestManager()
	_, err := m.Initialize("wf_test0003", nil, workflow.DefaultState{},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"a": {From: "computed.b", Transform: "input"},
			"b": {From: "computed.a", Transform: "input"},
		}})
	require.Error(t, err)
	assert.Equal(t, workflow.CodeCircularDependency, workflow.CodeOf(err))
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestUpdateBatchIsAtomic(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0004", nil,
		workflow.DefaultState{State: map[string]interface{}{"ok": 0}},
		workflow.StateSchema{})
	require.NoError(t, err)

	before := store.Version()
	_, err = store.Update([]workflow.StateUpdate{
		{Path: "state.ok", Value: 1},
		{Path: "computed.bad", Value: 2},
	}, -1)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidPath, workflow.CodeOf(err))

	// Neither entry took effect and the version is unchanged.
	view := store.Read(nil)
	assert.EqualValues(t, 0, view.State["ok"])
	_, exists := view.Computed["bad"]
	assert.False(t, exists)
	assert.Equal(t, before, store.Version())
}

func TestUpdateRejectsInputsAfterInitialization(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0005",
		map[string]interface{}{"name": "deploy"},
		workflow.DefaultState{}, workflow.StateSchema{})
	require.NoError(t, err)

	_, err = store.Update([]workflow.StateUpdate{
		{Path: "inputs.name", Value: "other"},
	}, -1)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeInvalidPath, workflow.CodeOf(err))
}

func TestUpdateOperations(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0006", nil,
		workflow.DefaultState{State: map[string]interface{}{
			"counter": 1,
			"items":   []interface{}{"a"},
			"config":  map[string]interface{}{"retries": 3},
		}}, workflow.StateSchema{})
	require.NoError(t, err)

	view, err := store.Update([]workflow.StateUpdate{
		{Path: "state.counter", Operation: workflow.OpIncrement, Value: 4},
		{Path: "state.items", Operation: workflow.OpAppend, Value: "b"},
		{Path: "state.config", Operation: workflow.OpMerge, Value: map[string]interface{}{"delay": 2}},
		{Path: "state.nested.flag", Value: true},
	}, -1)
	require.NoError(t, err)

	assert.EqualValues(t, 5, view.State["counter"])
	assert.Equal(t, []interface{}{"a", "b"}, view.State["items"])
	assert.Equal(t, map[string]interface{}{"retries": 3, "delay": 2}, view.State["config"])
	nested := view.State["nested"].(map[string]interface{})
	assert.Equal(t, true, nested["flag"])
}

func TestVersionConflict(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0007", nil,
		workflow.DefaultState{State: map[string]interface{}{"n": 0}},
		workflow.StateSchema{})
	require.NoError(t, err)

	_, err = store.Update([]workflow.StateUpdate{{Path: "state.n", Value: 1}}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.Version())

	_, err = store.Update([]workflow.StateUpdate{{Path: "state.n", Value: 2}}, 0)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeVersionConflict, workflow.CodeOf(err))
}

func TestSelectiveRecomputation(t *testing.T) {
	m := newTestManager()

	// "bad" fails whenever recomputed; it only depends on state.poison, so
	// updates to unrelated paths must not touch it.
	store, err := m.Initialize("wf_test0008", nil,
		workflow.DefaultState{State: map[string]interface{}{"a": 1, "poison": 0}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"bad": {From: "state.poison", Transform: "input", OnError: workflow.OnErrorPropagate},
		}})
	require.NoError(t, err)

	// Poison the transform after the first pass so any recomputation of
	// "bad" fails loudly.
	store.graph.fields["bad"] = workflow.ComputedField{
		From: "state.poison", Transform: `JSON.parse("{")`, OnError: workflow.OnErrorPropagate,
	}

	_, err = store.Update([]workflow.StateUpdate{{Path: "state.a", Value: 2}}, -1)
	require.NoError(t, err)

	_, err = store.Update([]workflow.StateUpdate{{Path: "state.poison", Value: 1}}, -1)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeExpressionError, workflow.CodeOf(err))
}

func TestComputedOnErrorPolicies(t *testing.T) {
	m := newTestManager()

	store, err := m.Initialize("wf_test0009", nil,
		workflow.DefaultState{State: map[string]interface{}{"n": 1}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"fallback": {From: "state.n", Transform: "JSON.parse('{')", OnError: workflow.OnErrorUseFallback, Fallback: "safe"},
			"ignored":  {From: "state.n", Transform: "JSON.parse('{')", OnError: workflow.OnErrorIgnore},
			"fine":     {From: "state.n", Transform: "input + 1"},
		}})
	require.NoError(t, err)

	view := store.Read(nil)
	assert.Equal(t, "safe", view.Computed["fallback"])
	_, exists := view.Computed["ignored"]
	assert.False(t, exists)
	assert.EqualValues(t, 2, view.Computed["fine"])
}

func TestFlattenedPrecedence(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0010",
		map[string]interface{}{"name": "from-inputs", "only_input": 1},
		workflow.DefaultState{State: map[string]interface{}{"name": "from-state"}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"name": {From: "inputs.name", Transform: `"from-computed"`},
		}})
	require.NoError(t, err)

	flat := store.Flattened()
	assert.Equal(t, "from-computed", flat["name"])
	assert.EqualValues(t, 1, flat["only_input"])

	// Tier objects and the raw alias ride along for prefixed access.
	stateTier := flat["state"].(map[string]interface{})
	assert.Equal(t, "from-state", stateTier["name"])
	rawTier := flat["raw"].(map[string]interface{})
	assert.Equal(t, "from-state", rawTier["name"])
}

func TestReadWriteRoundTripKeepsFlattenedView(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0011", nil,
		workflow.DefaultState{State: map[string]interface{}{"counter": 7}},
		workflow.StateSchema{Computed: map[string]workflow.ComputedField{
			"odd": {From: "state.counter", Transform: "input % 2 == 1"},
		}})
	require.NoError(t, err)

	before := store.Flattened()
	current := store.Read(nil).State["counter"]

	_, err = store.Update([]workflow.StateUpdate{{Path: "state.counter", Value: current}}, -1)
	require.NoError(t, err)

	after := store.Flattened()
	assert.EqualValues(t, before["counter"], after["counter"])
	assert.Equal(t, before["odd"], after["odd"])
}

func TestFilteredRead(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0012", nil,
		workflow.DefaultState{State: map[string]interface{}{"a": 1, "b": 2}},
		workflow.StateSchema{})
	require.NoError(t, err)

	view := store.Read([]string{"state.a"})
	assert.EqualValues(t, 1, view.State["a"])
	_, exists := view.State["b"]
	assert.False(t, exists)

	// The raw alias answers for the state tier.
	view = store.Read([]string{"raw.b"})
	assert.EqualValues(t, 2, view.Raw["b"])
}

func TestCheckpointRestore(t *testing.T) {
	m := newTestManager()
	store, err := m.Initialize("wf_test0013", nil,
		workflow.DefaultState{State: map[string]interface{}{"n": 1}},
		workflow.StateSchema{})
	require.NoError(t, err)

	cp := store.Snapshot()
	_, err = store.Update([]workflow.StateUpdate{{Path: "state.n", Value: 99}}, -1)
	require.NoError(t, err)

	store.Restore(cp)
	view := store.Read(nil)
	assert.EqualValues(t, 1, view.State["n"])
	assert.EqualValues(t, 0, store.Version())
}

func TestManagerUnknownWorkflow(t *testing.T) {
	m := newTestManager()
	_, err := m.Read("wf_missing1", nil)
	require.Error(t, err)
	assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(err))
}

func TestManagerRelease(t *testing.T) {
	m := newTestManager()
	_, err := m.Initialize("wf_test0014", nil, workflow.DefaultState{}, workflow.StateSchema{})
	require.NoError(t, err)

	m.Release("wf_test0014")
	_, err = m.Get("wf_test0014")
	require.Error(t, err)
}
