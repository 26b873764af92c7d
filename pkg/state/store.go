package state

import (
	"sync"

	"github.com/stepflow-go/stepflow/pkg/expr"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Store owns the three-tier state of a single workflow instance. Every
// store has its own lock; sub-agents get their own stores and never share
// the parent's.
type Store struct {
	mu         sync.RWMutex
	workflowID string
	inputs     map[string]interface{}
	state      map[string]interface{}
	computed   map[string]interface{}
	version    int64
	graph      *depGraph
	eval       *expr.Evaluator
}

// Checkpoint is an in-memory snapshot of the full tier set plus version.
type Checkpoint struct {
	Inputs   map[string]interface{}
	State    map[string]interface{}
	Computed map[string]interface{}
	Version  int64
}

func newStore(workflowID string, inputs map[string]interface{}, defaults workflow.DefaultState, schema workflow.StateSchema, eval *expr.Evaluator) (*Store, error) {
	graph, err := buildDepGraph(schema)
	if err != nil {
		return nil, err
	}

	s := &Store{
		workflowID: workflowID,
		inputs:     deepCopyMap(inputs),
		state:      deepCopyMap(defaults.State),
		computed:   make(map[string]interface{}),
		graph:      graph,
		eval:       eval,
	}

	// First computation pass covers every field.
	computed := make(map[string]interface{})
	if err := s.recompute(s.state, computed, nil); err != nil {
		return nil, err
	}
	s.computed = computed
	return s, nil
}

// Version returns the current optimistic-concurrency version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Read returns a consistent snapshot of all tiers. When paths is non-empty,
// only the requested paths are materialized in the result.
func (s *Store) Read(paths []string) *workflow.StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(paths) == 0 {
		return &workflow.StateView{
			Inputs:   deepCopyMap(s.inputs),
			State:    deepCopyMap(s.state),
			Computed: deepCopyMap(s.computed),
			Raw:      deepCopyMap(s.state),
		}
	}

	view := &workflow.StateView{
		Inputs:   map[string]interface{}{},
		State:    map[string]interface{}{},
		Computed: map[string]interface{}{},
		Raw:      map[string]interface{}{},
	}
	source := map[string]interface{}{
		TierInputs:   s.inputs,
		TierState:    s.state,
		TierComputed: s.computed,
		TierRaw:      s.state,
	}
	target := map[string]map[string]interface{}{
		TierInputs:   view.Inputs,
		TierState:    view.State,
		TierComputed: view.Computed,
		TierRaw:      view.Raw,
	}
	for _, path := range paths {
		segs := splitPath(path)
		if len(segs) < 2 {
			continue
		}
		tier, ok := target[segs[0]]
		if !ok {
			continue
		}
		if value, found := getPath(source, path); found {
			rest := path[len(segs[0])+1:]
			_ = setPath(tier, rest, deepCopyValue(value))
		}
	}
	return view
}

// Flattened returns the single evaluation scope: all tier keys merged with
// precedence computed > state > inputs, plus the tier objects themselves and
// the legacy raw alias.
func (s *Store) Flattened() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flattenedLocked()
}

func (s *Store) flattenedLocked() map[string]interface{} {
	return flattenTiers(s.inputs, s.state, s.computed)
}

func flattenTiers(inputs, state, computed map[string]interface{}) map[string]interface{} {
	scope := make(map[string]interface{}, len(inputs)+len(state)+len(computed)+4)
	for k, v := range inputs {
		scope[k] = deepCopyValue(v)
	}
	for k, v := range state {
		scope[k] = deepCopyValue(v)
	}
	for k, v := range computed {
		scope[k] = deepCopyValue(v)
	}
	scope[TierInputs] = deepCopyMap(inputs)
	scope[TierState] = deepCopyMap(state)
	scope[TierComputed] = deepCopyMap(computed)
	scope[TierRaw] = deepCopyMap(state)
	return scope
}

// Update validates and applies an atomic batch. Either the whole batch
// commits (bumping the version by one) or no tier changes at all.
func (s *Store) Update(updates []workflow.StateUpdate, expectedVersion int64) (*workflow.StateView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion >= 0 && expectedVersion != s.version {
		return nil, workflow.NewError(workflow.CodeVersionConflict,
			"expected version %d but store is at %d", expectedVersion, s.version)
	}

	// Validate the full batch before touching anything.
	for _, u := range updates {
		segs := splitPath(u.Path)
		if len(segs) < 2 {
			return nil, workflow.NewError(workflow.CodeInvalidPath,
				"update path %q must name a field inside a writable tier", u.Path).WithPath(u.Path)
		}
		switch segs[0] {
		case TierState:
		case TierInputs:
			return nil, workflow.NewError(workflow.CodeInvalidPath,
				"inputs are immutable after initialization").WithPath(u.Path)
		default:
			return nil, workflow.NewError(workflow.CodeInvalidPath,
				"update path %q is outside the writable tiers", u.Path).WithPath(u.Path)
		}
	}

	// Apply on copies, in declaration order.
	stateCopy := deepCopyMap(s.state)
	changed := make([]string, 0, len(updates))
	for _, u := range updates {
		rest := u.Path[len(TierState)+1:]
		if err := applyOperation(stateCopy, rest, u.Operation, deepCopyValue(u.Value)); err != nil {
			return nil, workflow.NewError(workflow.CodeConstraintViolation,
				"cannot apply %s at %q: %v", orSet(u.Operation), u.Path, err).WithPath(u.Path)
		}
		changed = append(changed, u.Path)
	}

	// Recompute once at the end of the batch, only for affected fields.
	computedCopy := deepCopyMap(s.computed)
	affected := s.graph.affectedBy(changed)
	if len(affected) > 0 {
		if err := s.recompute(stateCopy, computedCopy, affected); err != nil {
			return nil, err
		}
	}

	s.state = stateCopy
	s.computed = computedCopy
	s.version++

	return &workflow.StateView{
		Inputs:   deepCopyMap(s.inputs),
		State:    deepCopyMap(s.state),
		Computed: deepCopyMap(s.computed),
		Raw:      deepCopyMap(s.state),
	}, nil
}

func orSet(op string) string {
	if op == "" {
		return workflow.OpSet
	}
	return op
}

// recompute evaluates computed fields in topological order against the
// given state tier. affected limits the pass; nil means every field.
func (s *Store) recompute(state, computed map[string]interface{}, affected map[string]bool) error {
	for _, name := range s.graph.order {
		if affected != nil && !affected[name] {
			continue
		}
		field := s.graph.fields[name]

		scope := flattenTiers(s.inputs, state, computed)
		input := resolveFrom(field, scope)
		scope["input"] = input

		res, err := s.eval.Eval(field.Transform, scope)
		if err != nil {
			switch field.OnError {
			case workflow.OnErrorUseFallback:
				computed[name] = deepCopyValue(field.Fallback)
				continue
			case workflow.OnErrorIgnore:
				// Prior value, if any, stays in place.
				continue
			default:
				return workflow.NewError(workflow.CodeExpressionError,
					"computed field %q: %v", name, err).WithPath(TierComputed + "." + name)
			}
		}
		if res.Undefined {
			computed[name] = nil
		} else {
			computed[name] = res.Value
		}
	}
	return nil
}

// resolveFrom materializes the transform's "input" binding: the scalar value
// of a single from-path, or an ordered array for a from-list.
func resolveFrom(field workflow.ComputedField, scope map[string]interface{}) interface{} {
	paths, isList := field.FromPaths()
	if !isList {
		if len(paths) == 0 {
			return nil
		}
		value, _ := getPath(scope, paths[0])
		return value
	}
	values := make([]interface{}, len(paths))
	for i, p := range paths {
		values[i], _ = getPath(scope, p)
	}
	return values
}

// Snapshot captures the full tier set plus version.
func (s *Store) Snapshot() Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Checkpoint{
		Inputs:   deepCopyMap(s.inputs),
		State:    deepCopyMap(s.state),
		Computed: deepCopyMap(s.computed),
		Version:  s.version,
	}
}

// Restore replaces the tier set from a checkpoint.
func (s *Store) Restore(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = deepCopyMap(cp.Inputs)
	s.state = deepCopyMap(cp.State)
	s.computed = deepCopyMap(cp.Computed)
	s.version = cp.Version
}
