// Package engine is the page-context entry point. An Engine lives exactly as
// long as one loaded document: it is created when the page becomes ready and
// discarded on navigation. It never owns run state; it only executes what the
// coordinator sends and reports back.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/protocol"
	"github.com/v0xg/demopilot/internal/store"
	"go.uber.org/zap"
)

// Runner executes one action. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, a action.Action, step int) error
}

// Options tunes the orchestrators
type Options struct {
	StepLimit              int           // Safety cap for step-by-step runs
	MaxConsecutiveFailures int           // Step-by-step failures tolerated in a row
	NextStepTimeout        time.Duration // Bound on each coordinator query
}

// DefaultOptions returns the stock limits
func DefaultOptions() Options {
	return Options{
		StepLimit:              50,
		MaxConsecutiveFailures: 3,
		NextStepTimeout:        30 * time.Second,
	}
}

// Config wires an Engine to its page and collaborators
type Config struct {
	TabID     int
	URL       string
	Runner    Runner
	Lifecycle *lifecycle.Manager
	Store     store.Store
	Options   Options
	Logger    *zap.Logger
}

// Engine dispatches incoming commands to an orchestrator, allowing at most
// one run at a time.
type Engine struct {
	tabID  int
	url    string
	ep     *protocol.Endpoint
	logger *zap.Logger

	queryTimeout time.Duration

	sequence *SequenceOrchestrator
	steps    *StepOrchestrator

	executing atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New creates an engine speaking to the coordinator through ep
func New(ep *protocol.Endpoint, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine").With(zap.Int("tab", cfg.TabID))
	if cfg.Options.StepLimit <= 0 {
		cfg.Options.StepLimit = DefaultOptions().StepLimit
	}
	if cfg.Options.MaxConsecutiveFailures <= 0 {
		cfg.Options.MaxConsecutiveFailures = DefaultOptions().MaxConsecutiveFailures
	}
	if cfg.Options.NextStepTimeout <= 0 {
		cfg.Options.NextStepTimeout = DefaultOptions().NextStepTimeout
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}

	e := &Engine{tabID: cfg.TabID, url: cfg.URL, ep: ep, logger: logger, queryTimeout: cfg.Options.NextStepTimeout}
	e.sequence = &SequenceOrchestrator{
		ch:      ep,
		runner:  cfg.Runner,
		life:    cfg.Lifecycle,
		stopped: e.stopped.Load,
		logger:  logger,
	}
	e.steps = &StepOrchestrator{
		ch:      ep,
		runner:  cfg.Runner,
		life:    cfg.Lifecycle,
		store:   cfg.Store,
		opts:    cfg.Options,
		stopped: e.stopped.Load,
		logger:  logger,
	}
	return e
}

// Start begins serving coordinator messages, announces the page and asks
// the coordinator for continuation state. A run bound to this tab is resent
// by the coordinator in answer to that request. The engine stops when ctx is
// cancelled or the channel closes.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.ep.Serve(ctx, e)
	}()

	if err := e.ep.Send(ctx, protocol.ContentScriptReady{TabID: e.tabID, URL: e.url}); err != nil {
		return fmt.Errorf("announce page: %w", err)
	}
	e.logger.Debug("Page context ready", zap.String("url", e.url))

	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	state, err := e.State(qctx)
	switch {
	case err != nil:
		e.logger.Warn("Could not fetch automation state", zap.Error(err))
	case state.HasActiveAutomation:
		fields := []zap.Field{zap.Int("pending", len(state.PendingActions))}
		if state.CurrentStepIndex != nil {
			fields = append(fields, zap.Int("step", *state.CurrentStepIndex))
		}
		e.logger.Info("Automation in progress for this tab", fields...)
	}
	return nil
}

// State asks the coordinator whether a run is bound to this tab
func (e *Engine) State(ctx context.Context) (protocol.AutomationStateResponse, error) {
	reply, err := e.ep.Request(ctx, protocol.AutomationStateRequest{TabID: e.tabID})
	if err != nil {
		return protocol.AutomationStateResponse{}, err
	}
	state, ok := reply.(protocol.AutomationStateResponse)
	if !ok {
		return protocol.AutomationStateResponse{}, fmt.Errorf("unexpected %s reply", reply.MessageType())
	}
	return state, nil
}

// Executing reports whether a run is in flight in this page context
func (e *Engine) Executing() bool { return e.executing.Load() }

// Wait blocks until the serve loop and any in-flight run have returned
func (e *Engine) Wait() { e.wg.Wait() }

// Handle implements protocol.Handler
func (e *Engine) Handle(ctx context.Context, msg protocol.Message) (protocol.Payload, error) {
	switch p := msg.Payload.(type) {
	case protocol.ExecuteSequence, protocol.StartAutomation:
		if !e.executing.CompareAndSwap(false, true) {
			e.logger.Warn("Automation already running, ignoring duplicate start", zap.String("type", string(msg.Type())))
			return nil, nil
		}
		e.stopped.Store(false)
		e.wg.Add(1)
		go e.run(ctx, p)
	case protocol.StopAutomation:
		if e.executing.Load() {
			e.logger.Info("Stop requested, finishing current step")
			e.stopped.Store(true)
		}
	case protocol.Ping:
		return protocol.Pong{Timestamp: time.Now()}, nil
	default:
		e.logger.Debug("Ignoring message", zap.String("type", string(msg.Type())))
	}
	return nil, nil
}

func (e *Engine) run(ctx context.Context, p protocol.Payload) {
	defer e.wg.Done()
	defer e.executing.Store(false)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("automation engine failure: %v", r)
			e.logger.Error("Orchestrator panicked", zap.Any("panic", r))
			if err := e.ep.Send(context.WithoutCancel(ctx), protocol.SequenceError{Error: msg, Step: protocol.StepIndex(0)}); err != nil {
				e.logger.Warn("Could not report failure", zap.Error(err))
			}
		}
	}()

	var err error
	switch v := p.(type) {
	case protocol.ExecuteSequence:
		err = e.sequence.Run(ctx, v.Sequence)
	case protocol.StartAutomation:
		err = e.steps.Run(ctx, v)
	}
	if err != nil {
		e.logger.Info("Run ended with error", zap.Error(err))
	}
}

// sleep suspends for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progress sends a best-effort status update. It is sent even when the page
// is being torn down, as the step did complete.
func progress(ctx context.Context, ch protocol.Sender, logger *zap.Logger, id string, index int) {
	if err := ch.Send(context.WithoutCancel(ctx), protocol.StepProgressUpdate{SequenceID: id, CompletedStepIndex: index}); err != nil {
		logger.Warn("Progress update not delivered", zap.Int("step", index), zap.Error(err))
	}
}

// report sends a terminal message. The page context may already be gone,
// so failure is logged and returned rather than retried.
func report(ctx context.Context, ch protocol.Sender, logger *zap.Logger, p protocol.Payload) {
	if err := ch.Send(ctx, p); err != nil {
		logger.Warn("Terminal report not delivered", zap.String("type", string(p.MessageType())), zap.Error(err))
	}
}
