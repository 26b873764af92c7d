package engine

import (
	"context"
	"log/slog"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// coordinator gates workflow admission: a weighted semaphore caps concurrent
// top-level instances (excess starts queue until a slot frees), and an
// optional circuit breaker sheds new starts after consecutive failures.
type coordinator struct {
	slots   *semaphore.Weighted
	breaker *gobreaker.TwoStepCircuitBreaker
	logger  *slog.Logger
}

func newCoordinator(cfg *Config, logger *slog.Logger) *coordinator {
	c := &coordinator{
		slots:  semaphore.NewWeighted(int64(cfg.MaxActiveWorkflows)),
		logger: logger,
	}
	if cfg.BreakerThreshold > 0 {
		c.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:    "workflow-admission",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("admission breaker state change",
					"from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

// admit blocks until a workflow slot is available, or fails fast when the
// breaker is open. The returned function releases the slot and reports the
// workflow's terminal outcome to the breaker; it must be called exactly once.
func (c *coordinator) admit(ctx context.Context) (func(success bool), error) {
	done := func(bool) {}
	if c.breaker != nil {
		d, err := c.breaker.Allow()
		if err != nil {
			return nil, workflow.NewError(workflow.CodeCircuitBreakerOpen,
				"workflow admission suspended after repeated failures")
		}
		done = d
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		// Queueing was abandoned, not a workflow failure.
		done(true)
		return nil, workflow.NewError(workflow.CodeTimeout,
			"gave up waiting for a workflow slot: %v", err)
	}
	return func(success bool) {
		c.slots.Release(1)
		done(success)
	}, nil
}
