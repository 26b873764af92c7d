package engine

import (
	"github.com/stepflow-go/stepflow/pkg/template"
	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// processConditional evaluates the condition and pushes the selected branch
// as a block frame. An absent branch is a no-op.
func (e *Engine) processConditional(inst *Instance, f *frame, step workflow.Step) error {
	cond := template.ExtractExpression(workflow.GetString(step.Definition, "condition"))
	ok, err := e.eval.EvalBool(cond, e.scopeFor(inst))
	if err != nil {
		return workflow.NewError(workflow.CodeExpressionError, "condition: %v", err)
	}

	key := "then_steps"
	if !ok {
		key = "else_steps"
	}
	branch, err := workflow.StepsFromAny(step.Definition[key])
	if err != nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "%s: %v", key, err)
	}

	f.pc++
	if len(branch) > 0 {
		inst.frames = append(inst.frames, &frame{kind: frameBlock, steps: branch})
	}
	return nil
}

// processWhile pushes a while frame. The frame starts exhausted so the
// interpreter's frame-advance logic performs the first condition check, the
// same path every later re-entry takes.
func (e *Engine) processWhile(inst *Instance, f *frame, step workflow.Step) error {
	body, err := workflow.StepsFromAny(step.Definition["body"])
	if err != nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "body: %v", err)
	}
	max := workflow.GetInt(step.Definition, "max_iterations", e.cfg.DefaultMaxIterations)
	if max <= 0 {
		max = e.cfg.DefaultMaxIterations
	}

	f.pc++
	inst.frames = append(inst.frames, &frame{
		kind:          frameWhile,
		step:          step,
		body:          body,
		steps:         nil, // exhausted until the first condition check passes
		maxIterations: max,
		scope:         map[string]interface{}{},
	})
	return nil
}

// reenterWhile decides whether the loop runs another iteration: false once
// the condition turns falsy or the iteration ceiling is hit. Hitting the
// ceiling is a recorded warning, not a failure.
func (e *Engine) reenterWhile(inst *Instance, f *frame) (bool, error) {
	if f.iteration >= f.maxIterations {
		werr := workflow.NewError(workflow.CodeMaxIterationsExceeded,
			"while loop stopped after %d iterations", f.maxIterations).WithStep(stepKey(f.step))
		inst.recordWarning(werr)
		inst.logger.Warn("while loop hit its iteration ceiling",
			"step", stepKey(f.step), "max_iterations", f.maxIterations)
		return false, nil
	}

	cond := template.ExtractExpression(workflow.GetString(f.step.Definition, "condition"))
	ok, err := e.eval.EvalBool(cond, e.scopeFor(inst))
	if err != nil {
		return false, workflow.NewError(workflow.CodeExpressionError, "condition: %v", err)
	}
	if !ok {
		return false, nil
	}

	f.iteration++
	f.steps = f.body
	f.pc = 0
	f.scope["loop"] = map[string]interface{}{"iteration": f.iteration}
	f.scope["attempt_number"] = f.iteration
	return true, nil
}

// processForeach resolves the item list and pushes a foreach frame. The
// frame starts before item zero; frame advancement binds each item in turn.
func (e *Engine) processForeach(inst *Instance, f *frame, step workflow.Step) error {
	items, err := e.resolveItems(inst, step)
	if err != nil {
		return err
	}
	body, err := workflow.StepsFromAny(step.Definition["body"])
	if err != nil {
		return workflow.NewError(workflow.CodeConstraintViolation, "body: %v", err)
	}
	if workflow.GetBool(step.Definition, "parallel", false) {
		// In-instance bodies share one state store, so they always run
		// sequentially. Fan-out belongs to parallel_foreach.
		inst.logger.Warn("foreach bodies share the workflow state and run sequentially; use parallel_foreach for parallel fan-out",
			"step", stepKey(step))
	}

	f.pc++
	if len(items) == 0 {
		return nil
	}
	inst.frames = append(inst.frames, &frame{
		kind:  frameForeach,
		step:  step,
		body:  body,
		items: items,
		index: -1,
		scope: map[string]interface{}{},
	})
	return nil
}

// bindForeach refreshes the loop bindings for the current item.
func (f *frame) bindForeach() {
	f.steps = f.body
	f.scope["item"] = f.items[f.index]
	f.scope["loop"] = map[string]interface{}{
		"index":     f.index,
		"iteration": f.index + 1,
		"total":     len(f.items),
	}
}

// resolveItems materializes a foreach/parallel_foreach item list: either a
// literal array or an expression that must evaluate to one.
func (e *Engine) resolveItems(inst *Instance, step workflow.Step) ([]interface{}, error) {
	raw := step.Definition["items"]
	switch v := raw.(type) {
	case []interface{}:
		out, err := e.replacer.ReplaceValue(v, e.scopeFor(inst))
		if err != nil {
			return nil, workflow.NewError(workflow.CodeExpressionError, "items: %v", err)
		}
		return out.([]interface{}), nil
	case string:
		res, err := e.eval.Eval(template.ExtractExpression(v), e.scopeFor(inst))
		if err != nil {
			return nil, workflow.NewError(workflow.CodeExpressionError, "items: %v", err)
		}
		items, ok := res.Value.([]interface{})
		if !ok {
			return nil, workflow.NewError(workflow.CodeTypeError,
				"items expression %q did not produce an array", v)
		}
		return items, nil
	default:
		return nil, workflow.NewError(workflow.CodeTypeError,
			"items must be an array or an expression producing one")
	}
}

// processBreak exits the innermost enclosing loop.
func (e *Engine) processBreak(inst *Instance, step workflow.Step) error {
	idx := innermostLoop(inst)
	if idx < 0 {
		return workflow.NewError(workflow.CodeControlFlowError, "break outside of a loop")
	}
	inst.frames = inst.frames[:idx]
	return nil
}

// processContinue skips to the next iteration of the innermost loop by
// exhausting its frame; frame advancement then re-enters it.
func (e *Engine) processContinue(inst *Instance, step workflow.Step) error {
	idx := innermostLoop(inst)
	if idx < 0 {
		return workflow.NewError(workflow.CodeControlFlowError, "continue outside of a loop")
	}
	inst.frames = inst.frames[:idx+1]
	loop := inst.frames[idx]
	loop.pc = len(loop.steps)
	return nil
}

func innermostLoop(inst *Instance) int {
	for i := len(inst.frames) - 1; i >= 0; i-- {
		if inst.frames[i].kind == frameWhile || inst.frames[i].kind == frameForeach {
			return i
		}
	}
	return -1
}
