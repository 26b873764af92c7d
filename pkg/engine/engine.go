// Package engine drives workflow instances: it interprets the step queue,
// executes server-side steps inline, batches consecutive client-side steps,
// and coordinates state, timeouts and sub-agent fan-out.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stepflow-go/stepflow/pkg/expr"
	"github.com/stepflow-go/stepflow/pkg/log"
	"github.com/stepflow-go/stepflow/pkg/shell"
	"github.com/stepflow-go/stepflow/pkg/state"
	"github.com/stepflow-go/stepflow/pkg/steps"
	"github.com/stepflow-go/stepflow/pkg/template"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Config tunes the engine's limits and timeouts.
type Config struct {
	// MaxActiveWorkflows caps concurrent top-level instances; further starts
	// queue until a slot frees.
	MaxActiveWorkflows int
	// DefaultWorkflowTimeout bounds an instance that declares no timeout.
	DefaultWorkflowTimeout time.Duration
	// DefaultMaxIterations is the while-loop ceiling when the step declares
	// no max_iterations.
	DefaultMaxIterations int
	// DefaultMaxParallel bounds parallel_foreach fan-out when the step
	// declares no max_parallel.
	DefaultMaxParallel int
	// RecoveryTimeout bounds the cleanup pass when an instance terminates.
	RecoveryTimeout time.Duration
	// BreakerThreshold trips the admission breaker after this many
	// consecutive workflow failures. Zero disables the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the tripped breaker stays open.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() *Config {
	return &Config{
		MaxActiveWorkflows:     20,
		DefaultWorkflowTimeout: 300 * time.Second,
		DefaultMaxIterations:   25,
		DefaultMaxParallel:     10,
		RecoveryTimeout:        30 * time.Second,
		BreakerThreshold:       0,
		BreakerCooldown:        60 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.MaxActiveWorkflows <= 0 {
		c.MaxActiveWorkflows = 20
	}
	if c.DefaultWorkflowTimeout <= 0 {
		c.DefaultWorkflowTimeout = 300 * time.Second
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = 25
	}
	if c.DefaultMaxParallel <= 0 {
		c.DefaultMaxParallel = 10
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
}

// MaterializedStep is a client step ready for execution: all {{ expr }}
// occurrences substituted against the state at emission time.
type MaterializedStep struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Definition map[string]interface{} `json:"definition"`
}

// StepBatch is what get_next_step hands to the client: one or more
// consecutive client steps to execute in order.
type StepBatch struct {
	Steps []MaterializedStep `json:"steps"`
}

// ClientStepHandler executes the client steps of a sub-agent. The
// orchestrator calls it for every batch a sub-agent emits; without one,
// batches are acknowledged automatically and recorded on the task outcome.
type ClientStepHandler interface {
	HandleSteps(ctx context.Context, workflowID string, batch []MaterializedStep) error
}

// TaskStatusFunc observes sub-agent task transitions.
type TaskStatusFunc func(workflowID, taskID, status string)

// Option configures an Engine.
type Option func(*Engine)

// WithShellRunner replaces the shell runner, mainly for tests.
func WithShellRunner(r shell.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithClientStepHandler installs the handler that drives sub-agent client
// steps.
func WithClientStepHandler(h ClientStepHandler) Option {
	return func(e *Engine) { e.clients = h }
}

// WithTaskStatusFunc installs a sub-agent task status callback.
func WithTaskStatusFunc(fn TaskStatusFunc) Option {
	return func(e *Engine) { e.onTaskStatus = fn }
}

// Engine executes workflow definitions.
type Engine struct {
	mu        sync.RWMutex
	cfg       *Config
	states    *state.Manager
	eval      *expr.Evaluator
	replacer  *template.Replacer
	runner    shell.Runner
	clients   ClientStepHandler
	admission *coordinator
	instances map[string]*Instance
	logger    *slog.Logger

	onTaskStatus TaskStatusFunc
}

// New creates an engine with its own evaluator and state manager.
func New(cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	eval := expr.New()
	logger := log.WithModule("engine")
	e := &Engine{
		cfg:       cfg,
		states:    state.NewManager(eval),
		eval:      eval,
		replacer:  template.NewReplacer(eval),
		runner:    shell.NewExecRunner(),
		admission: newCoordinator(cfg, logger),
		instances: make(map[string]*Instance),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// States exposes the state manager so the API surface can serve direct
// state reads and writes.
func (e *Engine) States() *state.Manager { return e.states }

// StartOption tunes a single start.
type StartOption func(*startOptions)

type startOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the workflow timeout for this instance.
func WithTimeout(d time.Duration) StartOption {
	return func(o *startOptions) { o.timeout = d }
}

// StartResult is the response to a start request.
type StartResult struct {
	WorkflowID string              `json:"workflow_id"`
	Status     workflow.Status     `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	State      *workflow.StateView `json:"state"`
}

// Start validates inputs, initializes state and registers a new instance.
// When the engine is at its active-workflow cap the call queues until a slot
// frees or ctx is done; an open admission breaker fails fast instead.
func (e *Engine) Start(ctx context.Context, def *workflow.Definition, inputs map[string]interface{}, opts ...StartOption) (*StartResult, error) {
	if def == nil {
		return nil, workflow.NewError(workflow.CodeInvalidInput, "workflow definition is required")
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	finish, err := e.admission.admit(ctx)
	if err != nil {
		return nil, err
	}

	inst, err := e.startInstance(def, inputs, "", o.timeout)
	if err != nil {
		finish(true) // definition problems are the caller's, not an engine failure
		return nil, err
	}
	inst.finish = finish

	e.logger.Info("workflow started",
		"workflow_id", inst.id, "workflow", def.Name, "steps", len(def.Steps))

	return &StartResult{
		WorkflowID: inst.id,
		Status:     inst.Status(),
		CreatedAt:  inst.createdAt,
		State:      inst.store.Read(nil),
	}, nil
}

// startInstance builds and registers an instance. Sub-agents pass their
// parent's ID and skip admission.
func (e *Engine) startInstance(def *workflow.Definition, inputs map[string]interface{}, parentID string, timeout time.Duration) (*Instance, error) {
	merged, err := mergeInputs(def.Inputs, inputs, e.eval)
	if err != nil {
		return nil, err
	}

	id := newWorkflowID()
	store, err := e.states.Initialize(id, merged, def.DefaultState, def.StateSchema)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = e.cfg.DefaultWorkflowTimeout
	}
	now := time.Now()
	inst := &Instance{
		id:        id,
		parentID:  parentID,
		def:       def,
		store:     store,
		logger:    log.WithWorkflow("engine", id),
		status:    workflow.StatusRunning,
		createdAt: now,
		deadline:  now.Add(timeout),
		frames: []*frame{{
			kind:  frameBlock,
			steps: def.Steps,
		}},
		frameDepth: 1,
	}
	inst.addCleanup(func() { e.states.Release(id) })

	e.mu.Lock()
	e.instances[id] = inst
	e.mu.Unlock()
	return inst, nil
}

// mergeInputs validates provided inputs against the declarations and fills
// defaults. Unknown inputs, missing required inputs, type mismatches and
// failing validation expressions all reject the start.
func mergeInputs(decls map[string]workflow.InputDecl, provided map[string]interface{}, eval *expr.Evaluator) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(decls))
	for name, value := range provided {
		if _, ok := decls[name]; !ok {
			return nil, workflow.NewError(workflow.CodeInvalidInput, "unexpected input %q", name)
		}
		merged[name] = value
	}
	for name, decl := range decls {
		value, present := merged[name]
		if !present {
			if decl.Default != nil {
				merged[name] = decl.Default
				continue
			}
			if decl.Required {
				return nil, workflow.NewError(workflow.CodeInvalidInput, "missing required input %q", name)
			}
			continue
		}
		if !inputTypeMatches(decl.Type, value) {
			return nil, workflow.NewError(workflow.CodeInvalidInput,
				"input %q must be of type %s", name, decl.Type)
		}
		if decl.Validation != "" {
			ok, err := eval.EvalBool(template.ExtractExpression(decl.Validation),
				map[string]interface{}{"value": value})
			if err != nil {
				return nil, workflow.NewError(workflow.CodeExpressionError,
					"input %q validation: %v", name, err)
			}
			if !ok {
				return nil, workflow.NewError(workflow.CodeInvalidInput,
					"input %q failed validation", name)
			}
		}
	}
	return merged, nil
}

func inputTypeMatches(declared string, v interface{}) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func (e *Engine) instance(workflowID string) (*Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[workflowID]
	if !ok {
		return nil, workflow.NewError(workflow.CodeNotFound, "unknown workflow %q", workflowID)
	}
	return inst, nil
}

// GetNextStep advances the instance until it either accumulates a batch of
// client steps ending at a control-flow barrier, completes, or fails. A nil
// batch with a nil error means the workflow has completed.
func (e *Engine) GetNextStep(ctx context.Context, workflowID string) (*StepBatch, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	return e.nextBatch(ctx, inst)
}

// nextBatch is the interpreter loop. It executes server steps inline,
// collects consecutive client steps, and stops at the first control-flow
// step encountered after at least one client step is pending.
func (e *Engine) nextBatch(ctx context.Context, inst *Instance) (*StepBatch, error) {
	inst.driveMu.Lock()
	defer inst.driveMu.Unlock()
	defer inst.syncFrameDepth()

	switch inst.Status() {
	case workflow.StatusCompleted:
		return nil, nil
	case workflow.StatusFailed:
		return nil, inst.TerminalError()
	}

	var batch []MaterializedStep

	for {
		if err := ctx.Err(); err != nil {
			return nil, workflow.AsError(err, workflow.CodeTimeout)
		}
		if time.Now().After(inst.deadline) {
			werr := workflow.NewError(workflow.CodeTimeout,
				"workflow exceeded its %s budget", inst.deadline.Sub(inst.createdAt))
			e.fail(inst, werr)
			return nil, werr
		}

		f, action := e.advanceFrames(inst, len(batch) > 0)
		switch action {
		case advanceBarrier:
			return &StepBatch{Steps: batch}, nil
		case advanceDone:
			e.complete(inst)
			if len(batch) > 0 {
				return &StepBatch{Steps: batch}, nil
			}
			return nil, nil
		case advanceFailed:
			return nil, inst.TerminalError()
		}

		step := f.steps[f.pc]
		loc, err := steps.Classify(step)
		if err != nil {
			werr := workflow.AsError(err, workflow.CodeConstraintViolation).WithStep(stepKey(step))
			e.fail(inst, werr)
			return nil, werr
		}

		// Control flow acts as a batch barrier: once client steps are
		// pending, stop before evaluating anything that could depend on
		// their results.
		if steps.IsControlFlow(step.Type) && len(batch) > 0 {
			return &StepBatch{Steps: batch}, nil
		}

		var stepErr error
		switch {
		case step.Type == steps.TypeConditional:
			stepErr = e.processConditional(inst, f, step)
		case step.Type == steps.TypeWhileLoop:
			stepErr = e.processWhile(inst, f, step)
		case step.Type == steps.TypeForeach:
			stepErr = e.processForeach(inst, f, step)
		case step.Type == steps.TypeParallelForeach:
			stepErr = e.runStep(ctx, inst, step, func(attempt int) error {
				return e.processParallelForeach(ctx, inst, f, step)
			})
			// Advance past the step here, not inside the fan-out: an error
			// absorbed by continue/fallback must still skip the step.
			if stepErr == nil {
				f.pc++
				inst.mu.Lock()
				inst.completedSteps++
				inst.mu.Unlock()
			}
		case step.Type == steps.TypeBreak:
			stepErr = e.processBreak(inst, step)
		case step.Type == steps.TypeContinue:
			stepErr = e.processContinue(inst, step)
		case loc == steps.LocationServer:
			stepErr = e.runStep(ctx, inst, step, func(attempt int) error {
				return e.execServerShell(ctx, inst, step, attempt)
			})
			if stepErr == nil {
				f.pc++
				inst.mu.Lock()
				inst.completedSteps++
				inst.mu.Unlock()
			}
		default:
			var m MaterializedStep
			stepErr = e.runStep(ctx, inst, step, func(attempt int) error {
				var merr error
				m, merr = e.materialize(inst, step)
				return merr
			})
			if stepErr == nil {
				if m.Type != "" {
					batch = append(batch, m)
					inst.mu.Lock()
					inst.emitted++
					inst.mu.Unlock()
				}
				f.pc++
			}
		}

		if stepErr != nil {
			werr := workflow.AsError(stepErr, workflow.CodeConstraintViolation)
			if werr.StepID == "" {
				werr = werr.WithStep(stepKey(step))
			}
			e.fail(inst, werr)
			return nil, werr
		}
	}
}

type advanceAction int

const (
	advanceStep advanceAction = iota
	advanceBarrier
	advanceDone
	advanceFailed
)

// advanceFrames walks past exhausted frames until it finds the next step to
// process. Loop re-entry (while condition checks, foreach item advancement)
// is control flow, so with a pending batch it reports a barrier instead.
func (e *Engine) advanceFrames(inst *Instance, pending bool) (*frame, advanceAction) {
	for {
		if len(inst.frames) == 0 {
			return nil, advanceDone
		}
		f := inst.frames[len(inst.frames)-1]
		if f.pc < len(f.steps) {
			return f, advanceStep
		}

		switch f.kind {
		case frameBlock:
			inst.frames = inst.frames[:len(inst.frames)-1]

		case frameWhile:
			if pending {
				return nil, advanceBarrier
			}
			again, err := e.reenterWhile(inst, f)
			if err != nil {
				werr := workflow.AsError(err, workflow.CodeExpressionError).WithStep(stepKey(f.step))
				e.fail(inst, werr)
				return nil, advanceFailed
			}
			if !again {
				inst.frames = inst.frames[:len(inst.frames)-1]
			}

		case frameForeach:
			if pending {
				return nil, advanceBarrier
			}
			f.index++
			if f.index < len(f.items) {
				f.bindForeach()
				f.pc = 0
			} else {
				inst.frames = inst.frames[:len(inst.frames)-1]
			}
		}
	}
}

// scopeFor builds the expression scope: flattened state overlaid with the
// loop bindings of every enclosing frame, innermost last.
func (e *Engine) scopeFor(inst *Instance) map[string]interface{} {
	scope := inst.store.Flattened()
	for _, f := range inst.frames {
		for k, v := range f.scope {
			scope[k] = v
		}
	}
	scope["workflow_id"] = inst.id
	return scope
}

// materialize substitutes every placeholder in a client step's definition
// against the current state, producing the concrete step the client runs.
func (e *Engine) materialize(inst *Instance, step workflow.Step) (MaterializedStep, error) {
	scope := e.scopeFor(inst)
	replaced, err := e.replacer.ReplaceValue(step.Definition, scope)
	if err != nil {
		return MaterializedStep{}, workflow.NewError(workflow.CodeExpressionError,
			"materializing step: %v", err).WithStep(stepKey(step))
	}
	def, _ := replaced.(map[string]interface{})
	if def == nil {
		def = map[string]interface{}{}
	}

	id := step.ID
	if id == "" {
		inst.mu.Lock()
		id = fmt.Sprintf("%s_%d", step.Type, inst.emitted+1)
		inst.mu.Unlock()
	}
	return MaterializedStep{ID: id, Type: step.Type, Definition: def}, nil
}

// execServerShell runs a server-located shell_command inline: command
// materialized, executed under the step timeout bounded by the workflow's
// remaining budget, then inline state updates applied with the captured
// output in scope.
func (e *Engine) execServerShell(ctx context.Context, inst *Instance, step workflow.Step, attempt int) error {
	scope := e.scopeFor(inst)
	if attempt > 1 {
		scope["attempt_number"] = attempt
	}

	rawCmd, err := e.replacer.ReplaceValue(step.Definition["command"], scope)
	if err != nil {
		return workflow.NewError(workflow.CodeExpressionError, "command template: %v", err)
	}
	cmd, ok := rawCmd.(string)
	if !ok || cmd == "" {
		return workflow.NewError(workflow.CodeConstraintViolation, "command must be a non-empty string")
	}

	timeout := workflow.GetDuration(step.Definition, "timeout", 0)
	if remaining := time.Until(inst.deadline); timeout <= 0 || timeout > remaining {
		timeout = remaining
	}

	inst.logger.Debug("running server command", "step", stepKey(step))
	res, err := e.runner.Run(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return workflow.NewError(workflow.CodeConstraintViolation,
			"command exited with code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}

	updates, err := workflow.UpdatesFromStep(step.Definition)
	if err != nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "%v", err)
	}
	if len(updates) == 0 {
		return nil
	}

	scope["stdout"] = res.Stdout
	scope["stderr"] = res.Stderr
	scope["exit_code"] = res.ExitCode

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
	return nil
}

// resolveUpdateValue materializes an update's value. The bare words stdout,
// stderr and exit_code resolve to the captured command output; any other
// string goes through placeholder replacement.
func (e *Engine) resolveUpdateValue(v interface{}, scope map[string]interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		switch s {
		case "stdout", "stderr", "exit_code":
			return scope[s], nil
		}
	}
	return e.replacer.ReplaceValue(v, scope)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// complete marks the instance completed and disposes its resources. The
// state store stays readable until Release.
func (e *Engine) complete(inst *Instance) {
	now := time.Now()
	inst.mu.Lock()
	inst.status = workflow.StatusCompleted
	inst.completedAt = &now
	inst.mu.Unlock()
	inst.finished(true)
	inst.logger.Info("workflow completed", "workflow", inst.def.Name)
}

// fail marks the instance failed and records the terminal error. Like a
// completed instance, a failed one stays queryable: cleanup handlers and the
// state store are disposed at Release.
func (e *Engine) fail(inst *Instance, werr *workflow.Error) {
	now := time.Now()
	inst.mu.Lock()
	if inst.status.Terminal() {
		inst.mu.Unlock()
		return
	}
	inst.status = workflow.StatusFailed
	inst.completedAt = &now
	inst.terminalErr = werr
	inst.mu.Unlock()
	inst.finished(false)
	inst.logger.Error("workflow failed",
		"workflow", inst.def.Name, "code", string(werr.Code), "error", werr.Message)
}

// GetWorkflowStatus returns the status projection of an instance.
func (e *Engine) GetWorkflowStatus(workflowID string, includeState bool) (*workflow.InstanceInfo, error) {
	inst, err := e.instance(workflowID)
	if err != nil {
		return nil, err
	}
	return inst.info(includeState), nil
}

// ListActiveWorkflows returns the non-terminal top-level instances, oldest
// first.
func (e *Engine) ListActiveWorkflows() []*workflow.InstanceInfo {
	e.mu.RLock()
	active := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.parentID == "" && !inst.Status().Terminal() {
			active = append(active, inst)
		}
	}
	e.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		return active[i].createdAt.Before(active[j].createdAt)
	})
	infos := make([]*workflow.InstanceInfo, len(active))
	for i, inst := range active {
		infos[i] = inst.info(false)
	}
	return infos
}

// Release drops a terminal instance and its state. Releasing a live
// instance is rejected.
func (e *Engine) Release(workflowID string) error {
	inst, err := e.instance(workflowID)
	if err != nil {
		return err
	}
	if !inst.Status().Terminal() {
		return workflow.NewError(workflow.CodeConstraintViolation,
			"workflow %q is still %s", workflowID, inst.Status())
	}
	inst.runCleanups(e.cfg.RecoveryTimeout)
	e.states.Release(workflowID)
	e.mu.Lock()
	delete(e.instances, workflowID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) notifyTask(workflowID, taskID, status string) {
	if e.onTaskStatus != nil {
		e.onTaskStatus(workflowID, taskID, status)
	}
}
