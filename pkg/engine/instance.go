package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow-go/stepflow/pkg/state"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// newWorkflowID returns a fresh instance identifier: "wf_" plus eight random
// hex characters.
func newWorkflowID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble; fall
		// back to something time-derived rather than panicking.
		return fmt.Sprintf("wf_%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "wf_" + hex.EncodeToString(b[:])
}

type frameKind int

const (
	frameBlock frameKind = iota
	frameWhile
	frameForeach
)

// frame is one level of the execution stack. Blocks hold the steps of the
// root sequence or a conditional branch; loop frames additionally carry the
// loop step, its body and their iteration bookkeeping. A frame whose pc has
// reached len(steps) is exhausted: blocks pop, loops re-enter.
type frame struct {
	kind  frameKind
	steps []workflow.Step
	pc    int

	// scope holds loop bindings (item, loop.index, loop.iteration) that
	// overlay the flattened state in expression scopes.
	scope map[string]interface{}

	// loop bookkeeping
	step          workflow.Step
	body          []workflow.Step
	iteration     int
	maxIterations int
	items         []interface{}
	index         int
}

// Instance is one running workflow. driveMu serializes batch computation so
// a single driver walks the frame stack at a time; mu guards the status
// fields that observers read concurrently.
type Instance struct {
	driveMu sync.Mutex
	mu      sync.Mutex

	id       string
	parentID string
	def      *workflow.Definition
	store    *state.Store
	logger   *slog.Logger

	status      workflow.Status
	createdAt   time.Time
	completedAt *time.Time
	deadline    time.Time
	terminalErr *workflow.Error
	warnings    []*workflow.Error

	frames []*frame

	frameDepth     int // len(frames) published for status readers
	emitted        int // client steps materialized so far, feeds auto IDs
	completedSteps int // server steps executed so far

	taskResults map[string]map[string]*TaskOutcome

	finish     func(success bool)
	finishOnce sync.Once
	cleanups   []func()
}

// ID returns the workflow instance identifier.
func (inst *Instance) ID() string { return inst.id }

// Status returns the current lifecycle status.
func (inst *Instance) Status() workflow.Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

func (inst *Instance) setStatus(s workflow.Status) {
	inst.mu.Lock()
	inst.status = s
	inst.mu.Unlock()
}

// TerminalError returns the failure that ended the instance, if any.
func (inst *Instance) TerminalError() *workflow.Error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.terminalErr
}

func (inst *Instance) recordWarning(werr *workflow.Error) {
	inst.mu.Lock()
	inst.warnings = append(inst.warnings, werr)
	inst.mu.Unlock()
}

func (inst *Instance) recordTaskResults(key string, outcomes map[string]*TaskOutcome) {
	inst.mu.Lock()
	if inst.taskResults == nil {
		inst.taskResults = make(map[string]map[string]*TaskOutcome)
	}
	inst.taskResults[key] = outcomes
	inst.mu.Unlock()
}

// TaskResults returns the recorded sub-agent outcomes of a parallel_foreach
// step, keyed by task ID.
func (inst *Instance) TaskResults(stepKey string) map[string]*TaskOutcome {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.taskResults[stepKey]
}

// syncFrameDepth publishes the current frame-stack depth. The stack itself
// is only touched under driveMu; status readers see the published counter.
func (inst *Instance) syncFrameDepth() {
	inst.mu.Lock()
	inst.frameDepth = len(inst.frames)
	inst.mu.Unlock()
}

// addCleanup registers a handler run in reverse order when the instance
// reaches a terminal status.
func (inst *Instance) addCleanup(fn func()) {
	inst.mu.Lock()
	inst.cleanups = append(inst.cleanups, fn)
	inst.mu.Unlock()
}

// runCleanups executes the registered handlers newest-first, bounding the
// whole pass by timeout so a stuck handler cannot wedge disposal.
func (inst *Instance) runCleanups(timeout time.Duration) {
	inst.mu.Lock()
	handlers := inst.cleanups
	inst.cleanups = nil
	inst.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for i := len(handlers) - 1; i >= 0; i-- {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			inst.logger.Warn("recovery budget exhausted, skipping remaining cleanup handlers",
				"skipped", i+1)
			return
		}
		done := make(chan struct{})
		go func(fn func()) {
			defer close(done)
			fn()
		}(handlers[i])
		select {
		case <-done:
		case <-time.After(remaining):
			inst.logger.Warn("cleanup handler exceeded the recovery budget")
		}
	}
}

func (inst *Instance) finished(success bool) {
	inst.finishOnce.Do(func() {
		if inst.finish != nil {
			inst.finish(success)
		}
	})
}

// info projects the instance into its status view. includeState controls
// whether the full state tier rides along.
func (inst *Instance) info(includeState bool) *workflow.InstanceInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	ec := map[string]interface{}{
		"frame_depth":     inst.frameDepth,
		"steps_emitted":   inst.emitted,
		"steps_completed": inst.completedSteps,
	}
	if inst.parentID != "" {
		ec["parent_workflow_id"] = inst.parentID
	}
	if len(inst.warnings) > 0 {
		warnings := make([]interface{}, len(inst.warnings))
		for i, w := range inst.warnings {
			warnings[i] = w
		}
		ec["warnings"] = warnings
	}
	if inst.terminalErr != nil {
		ec["error"] = inst.terminalErr
	}
	if len(inst.taskResults) > 0 {
		results := make(map[string]interface{}, len(inst.taskResults))
		for step, outcomes := range inst.taskResults {
			results[step] = outcomes
		}
		ec["sub_agent_results"] = results
	}

	info := &workflow.InstanceInfo{
		WorkflowID:       inst.id,
		WorkflowName:     inst.def.Name,
		Status:           inst.status,
		CreatedAt:        inst.createdAt,
		CompletedAt:      inst.completedAt,
		TotalSteps:       len(inst.def.Steps),
		ExecutionContext: ec,
	}
	if includeState {
		info.State = inst.store.Read(nil).State
	}
	return info
}

// stepKey names a step in errors and logs: its authored ID, or its type when
// the author omitted one.
func stepKey(step workflow.Step) string {
	if step.ID != "" {
		return step.ID
	}
	return step.Type
}
