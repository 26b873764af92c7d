package engine

import (
	"context"
	"time"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// Error handling strategies accepted in a step's error_handling block.
const (
	strategyFail     = "fail"
	strategyContinue = "continue"
	strategyRetry    = "retry"
	strategyFallback = "fallback"
)

// errorPolicy is the parsed error_handling block of a step. The zero policy
// fails the workflow, which is also the default when the block is absent.
type errorPolicy struct {
	strategy   string
	maxRetries int
	delay      time.Duration
	updates    []workflow.StateUpdate
}

func policyFromStep(def map[string]interface{}) errorPolicy {
	raw, ok := def["error_handling"].(map[string]interface{})
	if !ok {
		return errorPolicy{strategy: strategyFail}
	}
	p := errorPolicy{
		strategy:   workflow.GetString(raw, "strategy"),
		maxRetries: workflow.GetInt(raw, "max_retries", 3),
		delay:      workflow.GetDuration(raw, "delay_seconds", time.Second),
	}
	if p.strategy == "" {
		p.strategy = strategyFail
	}
	p.updates, _ = workflow.UpdatesFromStep(raw)
	return p
}

// runStep executes fn under the step's error handling policy. fn receives
// the 1-based attempt number so retried work can expose attempt_number in
// its scope. A nil return means the engine should advance past the step,
// whether it succeeded or its failure was absorbed by continue/fallback.
func (e *Engine) runStep(ctx context.Context, inst *Instance, step workflow.Step, fn func(attempt int) error) error {
	policy := policyFromStep(step.Definition)

	attempt := 1
	for {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		werr := workflow.AsError(err, workflow.CodeConstraintViolation).WithStep(stepKey(step))

		if policy.strategy == strategyRetry && attempt <= policy.maxRetries {
			inst.logger.Warn("step failed, retrying",
				"step", stepKey(step), "attempt", attempt, "error", werr.Message)
			select {
			case <-ctx.Done():
				return werr
			case <-time.After(policy.delay):
			}
			attempt++
			continue
		}

		switch policy.strategy {
		case strategyContinue:
			inst.logger.Warn("step failed, continuing",
				"step", stepKey(step), "error", werr.Message)
			inst.recordWarning(werr)
			return nil
		case strategyFallback:
			if len(policy.updates) > 0 {
				if _, uerr := inst.store.Update(policy.updates, -1); uerr != nil {
					return workflow.AsError(uerr, workflow.CodeConstraintViolation).WithStep(stepKey(step))
				}
			}
			inst.logger.Warn("step failed, applied fallback",
				"step", stepKey(step), "error", werr.Message)
			inst.recordWarning(werr)
			return nil
		default:
			return werr
		}
	}
}
