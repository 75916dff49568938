package engine

import (
	"context"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/protocol"
	"go.uber.org/zap"
)

// SequenceOrchestrator runs a fixed list of actions in order. A single
// failure ends the sequence; there are no retries at this level.
type SequenceOrchestrator struct {
	ch      protocol.Sender
	runner  Runner
	life    *lifecycle.Manager
	stopped func() bool
	logger  *zap.Logger
}

// Run executes seq and reports SEQUENCE_COMPLETE or SEQUENCE_ERROR. If the
// page context is torn down mid-run nothing is reported: the coordinator
// resumes from its own progress record once the next page is ready.
func (o *SequenceOrchestrator) Run(ctx context.Context, seq action.Sequence) error {
	logger := o.logger.With(zap.String("sequence", seq.ID))
	logger.Info("Starting sequence", zap.String("name", seq.Name), zap.Int("steps", seq.Len()))

	for i, a := range seq.Actions {
		if a == nil {
			return o.fail(ctx, seq.ID, i, &action.ValidationError{Field: "action", Message: "action is missing"})
		}
		if err := a.Validate(); err != nil {
			return o.fail(ctx, seq.ID, i, err)
		}
	}

	failedAt := 0
	err := o.life.Run(ctx, func(ctx context.Context) error {
		for i, a := range seq.Actions {
			failedAt = i
			if o.stopped() {
				return &action.AutomationError{Code: action.CodeStopped, Message: "stopped by user"}
			}
			logger.Info("Executing step", zap.Int("step", i), zap.String("action", action.Describe(a)))
			if err := o.runner.Execute(ctx, a, i); err != nil {
				return err
			}
			progress(ctx, o.ch, logger, seq.ID, i)
			if err := sleep(ctx, a.Info().Delay); err != nil {
				return err
			}
		}
		return nil
	})

	if ctx.Err() != nil {
		logger.Info("Page context torn down during sequence", zap.Int("step", failedAt))
		return ctx.Err()
	}
	if err != nil {
		return o.fail(ctx, seq.ID, failedAt, err)
	}

	logger.Info("Sequence complete")
	report(ctx, o.ch, logger, protocol.SequenceComplete{SequenceID: seq.ID})
	return nil
}

func (o *SequenceOrchestrator) fail(ctx context.Context, id string, step int, err error) error {
	wrapped := &action.SequenceExecutionError{SequenceID: id, StepIndex: step, Err: err}
	o.logger.Warn("Sequence failed", zap.Error(wrapped))
	report(ctx, o.ch, o.logger, protocol.SequenceError{Error: wrapped.Error(), Step: protocol.StepIndex(step)})
	return wrapped
}
