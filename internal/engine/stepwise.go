package engine

import (
	"context"
	"fmt"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/protocol"
	"github.com/v0xg/demopilot/internal/store"
	"go.uber.org/zap"
)

// StepOrchestrator runs an open-ended automation, asking the planner (via
// the coordinator) for one action at a time.
type StepOrchestrator struct {
	ch      protocol.Sender
	runner  Runner
	life    *lifecycle.Manager
	store   store.Store
	opts    Options
	stopped func() bool
	logger  *zap.Logger
}

// Run drives a session until the planner reports no more steps, a step
// fails too often, or the step limit is reached. The limit counts absolute
// step indices, so it holds across page reloads.
func (o *StepOrchestrator) Run(ctx context.Context, req protocol.StartAutomation) error {
	stepIndex := max(req.StartIndex, 0)

	sessionID, err := o.session(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("Automation could not start", zap.Error(err))
		report(ctx, o.ch, o.logger, protocol.SequenceError{Error: err.Error(), Step: protocol.StepIndex(stepIndex)})
		return err
	}
	logger := o.logger.With(zap.String("session", sessionID))
	logger.Info("Starting step-by-step automation", zap.Int("from", stepIndex), zap.Bool("resume", req.Resume))

	var (
		last     *action.Executed
		failures int
	)
	err = o.life.Run(ctx, func(ctx context.Context) error {
		for stepIndex < o.opts.StepLimit {
			if o.stopped() {
				return &action.AutomationError{Code: action.CodeStopped, Message: "stopped by user"}
			}

			resp, err := o.next(ctx, sessionID, stepIndex, last)
			if err != nil {
				return err
			}
			if resp.Step == nil {
				return nil
			}

			a := resp.Step
			logger.Info("Executing planned step", zap.Int("step", stepIndex), zap.String("action", action.Describe(a)))
			if err := o.runner.Execute(ctx, a, stepIndex); err != nil {
				if ctx.Err() != nil {
					return err
				}
				failures++
				if failures >= o.opts.MaxConsecutiveFailures {
					return &action.AutomationError{
						Code:    action.CodeTooManyFailures,
						Message: fmt.Sprintf("%d consecutive steps failed", failures),
						Err:     err,
					}
				}
				logger.Warn("Step failed, asking planner to recover", zap.Int("step", stepIndex), zap.Error(err))
				last = action.Failed(err)
			} else {
				failures = 0
				last = action.Succeeded()
			}
			progress(ctx, o.ch, logger, sessionID, stepIndex)
			if err := sleep(ctx, a.Info().Delay); err != nil {
				return err
			}
			stepIndex++

			if !resp.HasMoreSteps {
				return nil
			}
		}
		return &action.AutomationError{
			Code:    action.CodeStepLimitExceeded,
			Message: fmt.Sprintf("step limit of %d exceeded", o.opts.StepLimit),
		}
	})

	if ctx.Err() != nil {
		logger.Info("Page context torn down during automation", zap.Int("step", stepIndex))
		return ctx.Err()
	}
	o.forget(ctx)
	if err != nil {
		return o.fail(ctx, sessionID, stepIndex, err)
	}

	logger.Info("Automation complete", zap.Int("steps", stepIndex))
	report(ctx, o.ch, logger, protocol.SequenceComplete{SequenceID: sessionID})
	return nil
}

// session starts a new planning session or recovers the one a previous page
// context was running.
func (o *StepOrchestrator) session(ctx context.Context, req protocol.StartAutomation) (string, error) {
	if req.Resume {
		id, ok, err := o.store.Get(ctx, store.KeySessionID)
		if err != nil {
			return "", &action.AutomationError{Code: action.CodeMissingSession, Message: "read stored session", Err: err}
		}
		if !ok || id == "" {
			return "", &action.AutomationError{Code: action.CodeMissingSession, Message: "no session to resume"}
		}
		return id, nil
	}

	if req.Objective == "" {
		return "", &action.ValidationError{Field: "objective", Message: "must not be empty"}
	}
	reply, err := o.request(ctx, protocol.InitSession{Objective: req.Objective})
	if err != nil {
		return "", &action.AutomationError{Code: action.CodePlanner, Message: "initialize session", Err: err}
	}
	created := reply.(protocol.InitSessionResponse)
	if !created.Success || created.SessionID == "" {
		return "", &action.AutomationError{Code: action.CodePlanner, Message: "initialize session: " + orUnknown(created.Error)}
	}
	if err := o.store.Set(ctx, store.KeySessionID, created.SessionID); err != nil {
		o.logger.Warn("Session id not persisted, resume after navigation will fail", zap.Error(err))
	}
	return created.SessionID, nil
}

func (o *StepOrchestrator) next(ctx context.Context, sessionID string, index int, last *action.Executed) (protocol.NextStepResponse, error) {
	reply, err := o.request(ctx, protocol.RequestNextStep{SessionID: sessionID, CurrentStepIndex: index, LastAction: last})
	if err != nil {
		return protocol.NextStepResponse{}, &action.AutomationError{Code: action.CodePlanner, Message: "request next step", Err: err}
	}
	resp := reply.(protocol.NextStepResponse)
	if !resp.Success {
		return resp, &action.AutomationError{Code: action.CodePlanner, Message: "planner: " + orUnknown(resp.Error)}
	}
	return resp, nil
}

func (o *StepOrchestrator) request(ctx context.Context, p protocol.Payload) (protocol.Payload, error) {
	if o.opts.NextStepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.NextStepTimeout)
		defer cancel()
	}
	return o.ch.Request(ctx, p)
}

func (o *StepOrchestrator) forget(ctx context.Context) {
	if err := o.store.Delete(ctx, store.KeySessionID); err != nil {
		o.logger.Warn("Stored session id not cleared", zap.Error(err))
	}
}

func (o *StepOrchestrator) fail(ctx context.Context, sessionID string, step int, err error) error {
	wrapped := &action.SequenceExecutionError{SequenceID: sessionID, StepIndex: step, Err: err}
	o.logger.Warn("Automation failed", zap.Error(wrapped))
	report(ctx, o.ch, o.logger, protocol.SequenceError{Error: wrapped.Error(), Step: protocol.StepIndex(step)})
	return wrapped
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}
