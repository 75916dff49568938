// Package coordinator holds the long-lived side of automation: it owns the
// run state, binds runs to tabs, brokers the planning service and resumes a
// run when its page reloads.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/metrics"
	"github.com/v0xg/demopilot/internal/planner"
	"github.com/v0xg/demopilot/internal/protocol"
	"go.uber.org/zap"
)

// Options tunes the coordinator
type Options struct {
	SettleDelay time.Duration // Pause before resuming on a reloaded page
}

// Coordinator is the sole owner of run state. All of its methods are safe
// for concurrent use.
type Coordinator struct {
	planner planner.Planner
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	mu         sync.Mutex
	state      runState
	generation uint64
	tabs       map[int]*protocol.Endpoint
	activeTab  int
	hasActive  bool

	events *eventHub
	wg     sync.WaitGroup
}

// New creates a coordinator. p may be nil when only fixed sequences are run.
func New(p planner.Planner, opts Options, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &Coordinator{
		planner: p,
		metrics: m,
		logger:  logger.Named("coordinator"),
		opts:    opts,
		tabs:    make(map[int]*protocol.Endpoint),
		events:  newEventHub(),
	}
}

// Attach serves messages from a page context of tabID until the link closes
// or ctx ends. The newest endpoint of a tab receives outgoing commands. The
// returned channel is closed once every message from ep has been handled.
func (c *Coordinator) Attach(ctx context.Context, tabID int, ep *protocol.Endpoint) <-chan struct{} {
	c.mu.Lock()
	c.tabs[tabID] = ep
	c.mu.Unlock()

	detached := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(detached)
		err := ep.Serve(ctx, tabHandler{c: c, tabID: tabID, ep: ep})
		c.mu.Lock()
		if c.tabs[tabID] == ep {
			delete(c.tabs, tabID)
		}
		c.mu.Unlock()
		c.logger.Debug("Page context detached", zap.Int("tab", tabID), zap.String("endpoint", ep.Name()), zap.Error(err))
	}()
	return detached
}

// Wait blocks until all serve loops and scheduled continuations have ended
func (c *Coordinator) Wait() { c.wg.Wait() }

// ActiveTab is the tab that most recently reported a loaded page
func (c *Coordinator) ActiveTab() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTab, c.hasActive
}

// State returns a snapshot of the current run
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot()
}

// StartAutomation binds seq to tabID and sends it to that tab. A failed
// delivery is returned but leaves the run in place: it is dispatched again
// when a page context of the tab next asks for its state.
func (c *Coordinator) StartAutomation(ctx context.Context, seq action.Sequence, tabID int) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state.active {
		c.mu.Unlock()
		return &action.AutomationError{Code: action.CodeDuplicateRun, Message: "an automation is already running"}
	}
	c.state.beginSequence(seq, tabID)
	c.generation++
	ep := c.tabs[tabID]
	c.state.dispatchedTo = ep
	c.mu.Unlock()

	c.logger.Info("Starting sequence",
		zap.String("sequence", seq.ID),
		zap.String("name", seq.Name),
		zap.Int("steps", seq.Len()),
		zap.Int("tab", tabID))
	c.metrics.RunStarted(string(ModeSequence))
	msg := protocol.ExecuteSequence{Sequence: seq}
	c.events.publish(tabID, msg)
	return c.deliver(ctx, tabID, ep, msg)
}

// StartObjective begins a step-by-step run for objective on tabID
func (c *Coordinator) StartObjective(ctx context.Context, objective string, tabID int) error {
	if objective == "" {
		return &action.ValidationError{Field: "objective", Message: "must not be empty"}
	}
	c.mu.Lock()
	if c.state.active {
		c.mu.Unlock()
		return &action.AutomationError{Code: action.CodeDuplicateRun, Message: "an automation is already running"}
	}
	c.state.beginStepwise(objective, tabID)
	c.generation++
	ep := c.tabs[tabID]
	c.state.dispatchedTo = ep
	c.mu.Unlock()

	c.logger.Info("Starting step-by-step automation", zap.String("objective", objective), zap.Int("tab", tabID))
	c.metrics.RunStarted(string(ModeStepwise))
	msg := protocol.StartAutomation{Objective: objective}
	c.events.publish(tabID, msg)
	return c.deliver(ctx, tabID, ep, msg)
}

// ContinueAutomation resumes the run on a freshly loaded page of tabID after
// the settle delay. It reports whether a continuation was scheduled.
func (c *Coordinator) ContinueAutomation(ctx context.Context, tabID int, url string) bool {
	return c.continueFrom(ctx, tabID, url, nil)
}

// continueFrom schedules a continuation for tabID. When from is set the run
// only continues if from is not the page context that already holds the
// current dispatch.
func (c *Coordinator) continueFrom(ctx context.Context, tabID int, url string, from *protocol.Endpoint) bool {
	c.mu.Lock()
	if !c.state.active || c.state.tabID != tabID {
		c.mu.Unlock()
		return false
	}
	if from != nil && from == c.state.dispatchedTo {
		c.mu.Unlock()
		return false
	}
	if url != "" {
		c.state.lastURL = url
	}
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info("Page reloaded during automation, resuming", zap.Int("tab", tabID), zap.String("url", url), zap.Duration("settle", c.opts.SettleDelay))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.opts.SettleDelay > 0 {
			t := time.NewTimer(c.opts.SettleDelay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
		c.resume(ctx, gen)
	}()
	return true
}

func (c *Coordinator) resume(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if !c.state.active || c.generation != gen {
		c.mu.Unlock()
		c.logger.Debug("Continuation superseded")
		return
	}
	tabID := c.state.tabID
	ep := c.tabs[tabID]

	var msg protocol.Payload
	switch c.state.mode {
	case ModeSequence:
		if len(c.state.pending()) == 0 {
			id := c.state.dispatchedID
			c.mu.Unlock()
			c.logger.Info("Nothing left to resume, run already finished its steps")
			c.HandleAutomationComplete(id)
			return
		}
		msg = protocol.ExecuteSequence{Sequence: c.state.continuation()}
	case ModeStepwise:
		// no session yet means the first start never reached a page
		resume := c.state.sessionID != ""
		msg = protocol.StartAutomation{Objective: c.state.objective, Resume: resume, StartIndex: c.state.stepIndex}
	}
	c.state.dispatchedTo = ep
	c.mu.Unlock()

	c.metrics.Continued()
	if err := c.deliver(ctx, tabID, ep, msg); err != nil {
		c.logger.Warn("Continuation not delivered", zap.Error(err))
	}
}

// UpdateProgress records that step completed of the dispatched sequence (or
// session) has finished. Duplicates and stale reports are ignored.
func (c *Coordinator) UpdateProgress(id string, completed int) {
	c.mu.Lock()
	if !c.state.advance(id, completed) {
		c.mu.Unlock()
		c.logger.Debug("Ignoring progress", zap.String("id", id), zap.Int("step", completed))
		return
	}
	tabID, mode, index := c.state.tabID, c.state.mode, c.state.stepIndex
	runID := c.runID()
	c.mu.Unlock()

	c.metrics.StepCompleted(string(mode))
	c.events.publish(tabID, protocol.StepProgressUpdate{SequenceID: runID, CompletedStepIndex: index - 1})
}

// HandleAutomationComplete ends the run successfully
func (c *Coordinator) HandleAutomationComplete(id string) {
	tabID, mode, wasActive := c.finish()
	if wasActive {
		c.metrics.RunFinished(string(mode), "complete")
	}
	c.logger.Info("Automation complete", zap.String("id", id))
	c.events.publish(tabID, protocol.SequenceComplete{SequenceID: id})
}

// HandleAutomationError ends the run with a failure
func (c *Coordinator) HandleAutomationError(msg string, step *int) {
	tabID, mode, wasActive := c.finish()
	if wasActive {
		c.metrics.RunFinished(string(mode), "error")
	}
	fields := []zap.Field{zap.String("error", msg)}
	if step != nil {
		fields = append(fields, zap.Int("step", *step))
	}
	c.logger.Warn("Automation failed", fields...)
	c.events.publish(tabID, protocol.SequenceError{Error: msg, Step: step})
}

// Stop resets the run and asks the page to stop before its next step
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.active {
		c.mu.Unlock()
		return nil
	}
	tabID, mode := c.state.tabID, c.state.mode
	ep := c.tabs[tabID]
	c.state.reset()
	c.generation++
	c.mu.Unlock()

	c.logger.Info("Automation stopped by user", zap.Int("tab", tabID))
	c.metrics.RunFinished(string(mode), "stopped")
	c.events.publish(tabID, protocol.StopAutomation{})
	return c.deliver(ctx, tabID, ep, protocol.StopAutomation{})
}

// finish resets the run unconditionally
func (c *Coordinator) finish() (tabID int, mode Mode, wasActive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tabID, mode, wasActive = c.state.tabID, c.state.mode, c.state.active
	c.state.reset()
	c.generation++
	return tabID, mode, wasActive
}

// InitializeSession creates a planning session. Failures are returned in
// the response, never as an error.
func (c *Coordinator) InitializeSession(ctx context.Context, objective string) protocol.InitSessionResponse {
	if c.planner == nil {
		return protocol.InitSessionResponse{Error: "no planning service configured"}
	}
	start := time.Now()
	s, err := c.planner.CreateSession(ctx, objective)
	c.metrics.ObservePlanner("create_session", err, time.Since(start))
	if err != nil {
		c.logger.Warn("Planning session not created", zap.Error(err))
		return protocol.InitSessionResponse{Error: err.Error()}
	}

	c.mu.Lock()
	if c.state.active && c.state.mode == ModeStepwise && c.state.sessionID == "" {
		c.state.sessionID = s.ID
	}
	c.mu.Unlock()
	return protocol.InitSessionResponse{SessionID: s.ID, Success: true}
}

// RequestNextStep asks the planner for the step at req.CurrentStepIndex and
// translates it. Planner and translation failures come back as an
// unsuccessful response.
func (c *Coordinator) RequestNextStep(ctx context.Context, req protocol.RequestNextStep) protocol.NextStepResponse {
	if c.planner == nil {
		return protocol.NextStepResponse{Error: "no planning service configured"}
	}
	start := time.Now()
	res, err := c.planner.NextStep(ctx, req.SessionID, req.CurrentStepIndex, req.LastAction)
	c.metrics.ObservePlanner("next_step", err, time.Since(start))
	if err != nil {
		c.logger.Warn("Planner failed", zap.String("session", req.SessionID), zap.Int("step", req.CurrentStepIndex), zap.Error(err))
		return protocol.NextStepResponse{Error: err.Error()}
	}
	if res.Action == nil {
		return protocol.NextStepResponse{Success: true}
	}

	a, err := planner.Translate(*res.Action)
	if err != nil {
		c.logger.Warn("Planner returned an unusable action", zap.Any("action", res.Action), zap.Error(err))
		return protocol.NextStepResponse{Error: fmt.Sprintf("invalid planned action: %v", err)}
	}
	return protocol.NextStepResponse{
		Step:         a,
		HasMoreSteps: res.HasMoreSteps && !res.Completed,
		Success:      true,
	}
}

// AutomationState answers a page context asking whether it has work
func (c *Coordinator) AutomationState(tabID int) protocol.AutomationStateResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.active || c.state.tabID != tabID {
		return protocol.AutomationStateResponse{}
	}
	resp := protocol.AutomationStateResponse{
		HasActiveAutomation: true,
		CurrentStepIndex:    protocol.StepIndex(c.state.stepIndex),
		PendingActions:      c.state.pending(),
	}
	if c.state.mode == ModeSequence {
		seq := c.state.sequence
		resp.CurrentSequence = &seq
	}
	return resp
}

// Subscribe returns a feed of run events. Slow subscribers miss events
// rather than block the coordinator.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// pageReady records the announcing tab. The page asks for continuation state
// separately.
func (c *Coordinator) pageReady(tabID int, url string) {
	c.mu.Lock()
	c.activeTab, c.hasActive = tabID, true
	if c.state.active && c.state.tabID == tabID {
		c.state.lastURL = url
	}
	c.mu.Unlock()
	c.logger.Debug("Page ready", zap.Int("tab", tabID), zap.String("url", url))
}

func (c *Coordinator) navigated(tabID int, from, to string) {
	c.mu.Lock()
	if c.state.active && c.state.tabID == tabID {
		c.state.lastURL = to
	}
	c.mu.Unlock()
	c.logger.Debug("Navigation detected", zap.Int("tab", tabID), zap.String("from", from), zap.String("to", to))
}

// runID names the run in events: the original sequence id or the session id.
// Callers hold c.mu.
func (c *Coordinator) runID() string {
	if c.state.mode == ModeStepwise {
		return c.state.sessionID
	}
	return c.state.sequence.ID
}

func (c *Coordinator) deliver(ctx context.Context, tabID int, ep *protocol.Endpoint, p protocol.Payload) error {
	if ep == nil {
		err := &action.AutomationError{Code: action.CodeDelivery, Message: fmt.Sprintf("tab %d has no page context", tabID)}
		c.logger.Warn("Message not delivered", zap.String("type", string(p.MessageType())), zap.Error(err))
		return err
	}
	if err := ep.Send(ctx, p); err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			err = fmt.Errorf("tab %d page context is gone: %w", tabID, err)
		}
		c.logger.Warn("Message not delivered", zap.String("type", string(p.MessageType())), zap.Int("tab", tabID), zap.Error(err))
		return &action.AutomationError{Code: action.CodeDelivery, Message: "deliver " + string(p.MessageType()), Err: err}
	}
	return nil
}
