package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Sub-agent task terminal statuses.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
)

// TaskOutcome is the recorded result of one sub-agent task: its terminal
// status plus either the final state of the sub-workflow or the error that
// ended it.
type TaskOutcome struct {
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *workflow.Error        `json:"error,omitempty"`
	ClientSteps []MaterializedStep     `json:"client_steps,omitempty"`
}

// processParallelForeach fans the item list out across isolated sub-agent
// instances of the named task, bounded by max_parallel. Each task gets its
// own state store; failures stay contained in the task's outcome unless
// wait_for_all is false, in which case any failure fails the step after all
// tasks have drained.
func (e *Engine) processParallelForeach(ctx context.Context, inst *Instance, f *frame, step workflow.Step) error {
	items, err := e.resolveItems(inst, step)
	if err != nil {
		return err
	}

	taskName := workflow.GetString(step.Definition, "sub_agent_task")
	task, ok := inst.def.SubAgentTasks[taskName]
	if !ok || task == nil {
		return workflow.NewError(workflow.CodeSubAgentTaskNotFound,
			"sub_agent_task %q is not defined", taskName)
	}

	maxParallel := workflow.GetInt(step.Definition, "max_parallel", e.cfg.DefaultMaxParallel)
	if maxParallel <= 0 {
		maxParallel = e.cfg.DefaultMaxParallel
	}
	waitForAll := workflow.GetBool(step.Definition, "wait_for_all", true)

	// Task timeouts inherit downward: a task never outlives the parent's
	// remaining budget.
	remaining := time.Until(inst.deadline)
	if remaining <= 0 {
		return workflow.NewError(workflow.CodeTimeout, "workflow budget exhausted before fan-out")
	}
	taskTimeout := workflow.GetDuration(step.Definition, "timeout_seconds", remaining)
	if taskTimeout > remaining {
		taskTimeout = remaining
	}

	taskDef := task.Definition(taskName, inst.def.Name)

	// The parent scope is captured once on the driver goroutine; workers
	// must not touch the parent's frames.
	parentScope := e.scopeFor(inst)

	inst.logger.Info("fanning out sub-agent tasks",
		"step", stepKey(step), "task", taskName, "items", len(items), "max_parallel", maxParallel)

	sem := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make(map[string]*TaskOutcome, len(items))

	for i, item := range items {
		taskID := fmt.Sprintf("%s_item_%d", taskName, i)
		wg.Add(1)
		go func(taskID string, item interface{}, index int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				outcomes[taskID] = &TaskOutcome{
					Status: TaskFailed,
					Error:  workflow.NewError(workflow.CodeSubAgentFailed, "task never started: %v", err),
				}
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			e.notifyTask(inst.id, taskID, "running")
			outcome := e.runSubAgent(ctx, taskDef, task, taskID, item, index, len(items), parentScope, inst.id, taskTimeout)
			mu.Lock()
			outcomes[taskID] = outcome
			mu.Unlock()
			e.notifyTask(inst.id, taskID, outcome.Status)
		}(taskID, item, i)
	}
	wg.Wait()

	inst.recordTaskResults(stepKey(step), outcomes)

	summary := summarize(outcomes)
	if !waitForAll {
		if failed, _ := summary["failed"].(int); failed > 0 {
			return workflow.NewError(workflow.CodeSubAgentFailed,
				"%d of %d sub-agent tasks failed", failed, len(items))
		}
		if timedOut, _ := summary["timeout"].(int); timedOut > 0 {
			return workflow.NewError(workflow.CodeSubAgentTimeout,
				"%d of %d sub-agent tasks timed out", timedOut, len(items))
		}
	}

	// Declared state updates see the outcome map and the summary.
	updates, err := workflow.UpdatesFromStep(step.Definition)
	if err != nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "%v", err)
	}
	if len(updates) > 0 {
		scope := e.scopeFor(inst)
		scope["result"] = outcomesAsValue(outcomes)
		scope["summary"] = summary

		resolved := make([]workflow.StateUpdate, len(updates))
		for i, u := range updates {
			value, verr := e.resolveUpdateValue(u.Value, scope)
			if verr != nil {
				return verr
			}
			resolved[i] = workflow.StateUpdate{Path: u.Path, Operation: u.Operation, Value: value}
		}
		if _, err := inst.store.Update(resolved, -1); err != nil {
			return err
		}
	}
	return nil
}

// runSubAgent starts one isolated sub-workflow and drives it to a terminal
// status. Client steps go to the configured handler; without one they are
// auto-acknowledged and recorded on the outcome.
func (e *Engine) runSubAgent(ctx context.Context, taskDef *workflow.Definition, task *workflow.SubAgentTask,
	taskID string, item interface{}, index, total int, parentScope map[string]interface{},
	parentID string, timeout time.Duration) *TaskOutcome {

	subInputs := map[string]interface{}{
		"item":  item,
		"index": index,
		"total": total,
	}
	// Declared task inputs resolve from the parent scope by name unless the
	// fan-out bindings already cover them.
	for name := range task.Inputs {
		if _, bound := subInputs[name]; bound {
			continue
		}
		if v, ok := parentScope[name]; ok {
			subInputs[name] = v
		}
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := e.startInstance(taskDef, subInputs, parentID, timeout)
	if err != nil {
		return &TaskOutcome{Status: TaskFailed, Error: workflow.AsError(err, workflow.CodeSubAgentFailed)}
	}
	defer e.disposeSub(sub)

	var collected []MaterializedStep
	for {
		batch, err := e.nextBatch(tctx, sub)
		if err != nil {
			if tctx.Err() != nil || workflow.CodeOf(err) == workflow.CodeTimeout {
				return &TaskOutcome{
					Status:      TaskTimeout,
					Error:       workflow.NewError(workflow.CodeSubAgentTimeout, "task %s timed out", taskID),
					ClientSteps: collected,
				}
			}
			return &TaskOutcome{
				Status:      TaskFailed,
				Error:       workflow.AsError(err, workflow.CodeSubAgentFailed),
				ClientSteps: collected,
			}
		}
		if batch == nil {
			return &TaskOutcome{
				Status:      TaskCompleted,
				Result:      sub.store.Read(nil).State,
				ClientSteps: collected,
			}
		}
		if e.clients != nil {
			if herr := e.clients.HandleSteps(tctx, sub.id, batch.Steps); herr != nil {
				return &TaskOutcome{
					Status:      TaskFailed,
					Error:       workflow.AsError(herr, workflow.CodeSubAgentFailed),
					ClientSteps: collected,
				}
			}
			continue
		}
		collected = append(collected, batch.Steps...)
	}
}

// disposeSub drops a finished sub-agent instance and its state store.
func (e *Engine) disposeSub(sub *Instance) {
	sub.runCleanups(e.cfg.RecoveryTimeout)
	e.states.Release(sub.id)
	e.mu.Lock()
	delete(e.instances, sub.id)
	e.mu.Unlock()
}

func summarize(outcomes map[string]*TaskOutcome) map[string]interface{} {
	var completed, failed, timedOut int
	for _, o := range outcomes {
		switch o.Status {
		case TaskCompleted:
			completed++
		case TaskTimeout:
			timedOut++
		default:
			failed++
		}
	}
	return map[string]interface{}{
		"total":     len(outcomes),
		"completed": completed,
		"failed":    failed,
		"timeout":   timedOut,
	}
}

// outcomesAsValue projects the outcome map into plain JSON-shaped values so
// expressions can traverse it.
func outcomesAsValue(outcomes map[string]*TaskOutcome) map[string]interface{} {
	out := make(map[string]interface{}, len(outcomes))
	for id, o := range outcomes {
		entry := map[string]interface{}{"status": o.Status}
		if o.Result != nil {
			entry["result"] = o.Result
		}
		if o.Error != nil {
			entry["error"] = map[string]interface{}{
				"code":    string(o.Error.Code),
				"message": o.Error.Message,
			}
		}
		out[id] = entry
	}
	return out
}
