package state

import (
	"sync"

	"github.com/stepflow-go/stepflow/pkg/expr"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Manager tracks the per-workflow stores. The manager map has its own lock;
// each store serializes its own readers and writers independently.
type Manager struct {
	mu     sync.RWMutex
	stores map[string]*Store
	eval   *expr.Evaluator
}

// NewManager creates a state manager sharing one expression evaluator.
func NewManager(eval *expr.Evaluator) *Manager {
	if eval == nil {
		eval = expr.New()
	}
	return &Manager{
		stores: make(map[string]*Store),
		eval:   eval,
	}
}

// Initialize creates the store for a new workflow instance: the inputs tier
// from the caller's merged inputs, the state tier from default_state, and
// the computed tier from its first computation pass. A cyclic computed
// graph fails here with CIRCULAR_DEPENDENCY, never at runtime.
func (m *Manager) Initialize(workflowID string, inputs map[string]interface{}, defaults workflow.DefaultState, schema workflow.StateSchema) (*Store, error) {
	store, err := newStore(workflowID, inputs, defaults, schema, m.eval)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stores[workflowID] = store
	m.mu.Unlock()
	return store, nil
}

// Get returns the store of a known workflow.
func (m *Manager) Get(workflowID string) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[workflowID]
	if !ok {
		return nil, workflow.NewError(workflow.CodeNotFound, "unknown workflow %q", workflowID)
	}
	return store, nil
}

// Read returns a snapshot for a workflow, optionally filtered by paths.
func (m *Manager) Read(workflowID string, paths []string) (*workflow.StateView, error) {
	store, err := m.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return store.Read(paths), nil
}

// Update applies an atomic batch to a workflow's store. Pass a negative
// expectedVersion to skip the optimistic-concurrency check.
func (m *Manager) Update(workflowID string, updates []workflow.StateUpdate, expectedVersion int64) (*workflow.StateView, error) {
	store, err := m.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return store.Update(updates, expectedVersion)
}

// Flattened returns the merged evaluation scope for a workflow.
func (m *Manager) Flattened(workflowID string) (map[string]interface{}, error) {
	store, err := m.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return store.Flattened(), nil
}

// Release drops a workflow's store once the instance is disposed.
func (m *Manager) Release(workflowID string) {
	m.mu.Lock()
	delete(m.stores, workflowID)
	m.mu.Unlock()
}
