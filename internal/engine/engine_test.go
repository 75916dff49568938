package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/protocol"
	"github.com/v0xg/demopilot/internal/store"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, a action.Action, step int) error

func (f runnerFunc) Execute(ctx context.Context, a action.Action, step int) error {
	return f(ctx, a, step)
}

var succeed = runnerFunc(func(context.Context, action.Action, int) error { return nil })

type blocker struct {
	on       atomic.Bool
	enables  atomic.Int32
	disables atomic.Int32
	forced   atomic.Int32
}

func (b *blocker) Enable(context.Context) error {
	b.enables.Add(1)
	b.on.Store(true)
	return nil
}

func (b *blocker) Disable(context.Context) error {
	b.disables.Add(1)
	b.on.Store(false)
	return nil
}

func (b *blocker) ForceCleanup(context.Context) {
	b.forced.Add(1)
	b.on.Store(false)
}

// blockerCounts is what the blocker saw by the time a run ended
type blockerCounts struct{ enables, disables, forced int32 }

// harness plays the coordinator side of the channel
type harness struct {
	engine  *Engine
	life    *lifecycle.Manager
	coord   *protocol.Endpoint
	store   store.Store
	events  chan protocol.Payload
	cancel  context.CancelFunc
	blocked *blocker

	mu       sync.Mutex
	nextStep func(protocol.RequestNextStep) protocol.NextStepResponse
	requests []protocol.RequestNextStep
	inits    int
	state    protocol.AutomationStateResponse
	queries  []protocol.AutomationStateRequest
	// lifecycle state observed when a terminal message arrived
	activeAtEnd []bool
	countsAtEnd []blockerCounts
}

func newHarness(t *testing.T, runner Runner, opts Options, st store.Store) *harness {
	t.Helper()
	return newHarnessWithState(t, runner, opts, st, protocol.AutomationStateResponse{})
}

// newHarnessWithState starts an engine whose state query is answered with state
func newHarnessWithState(t *testing.T, runner Runner, opts Options, st store.Store, state protocol.AutomationStateResponse) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	engEp, coordEp := protocol.Pipe("engine", "coordinator", 16)
	h := &harness{
		coord:   coordEp,
		store:   st,
		events:  make(chan protocol.Payload, 256),
		blocked: &blocker{},
		state:   state,
	}
	h.life = lifecycle.New(h.blocked, nil)
	h.engine = New(engEp, Config{
		TabID:     7,
		URL:       "https://app.test/",
		Runner:    runner,
		Lifecycle: h.life,
		Store:     st,
		Options:   opts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = coordEp.Serve(ctx, protocol.HandlerFunc(h.handle))
	}()
	t.Cleanup(func() {
		cancel()
		h.engine.Wait()
		<-served
	})

	require.NoError(t, h.engine.Start(ctx))
	ready := h.next(t)
	require.Equal(t, protocol.ContentScriptReady{TabID: 7, URL: "https://app.test/"}, ready)
	return h
}

func (h *harness) handle(_ context.Context, msg protocol.Message) (protocol.Payload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var reply protocol.Payload
	switch p := msg.Payload.(type) {
	case protocol.AutomationStateRequest:
		// answered, not recorded as an event
		h.queries = append(h.queries, p)
		return h.state, nil
	case protocol.InitSession:
		h.inits++
		reply = protocol.InitSessionResponse{SessionID: "sess-1", Success: true}
	case protocol.RequestNextStep:
		h.requests = append(h.requests, p)
		reply = h.nextStep(p)
	case protocol.SequenceComplete, protocol.SequenceError:
		h.activeAtEnd = append(h.activeAtEnd, h.life.Active() || h.blocked.on.Load())
		h.countsAtEnd = append(h.countsAtEnd, blockerCounts{
			enables:  h.blocked.enables.Load(),
			disables: h.blocked.disables.Load(),
			forced:   h.blocked.forced.Load(),
		})
	}
	h.events <- msg.Payload
	return reply, nil
}

func (h *harness) send(t *testing.T, p protocol.Payload) {
	t.Helper()
	require.NoError(t, h.coord.Send(context.Background(), p))
}

func (h *harness) next(t *testing.T) protocol.Payload {
	t.Helper()
	select {
	case p := <-h.events:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine message")
		return nil
	}
}

// until collects messages up to and including the first terminal one
func (h *harness) until(t *testing.T) []protocol.Payload {
	t.Helper()
	var got []protocol.Payload
	for {
		p := h.next(t)
		got = append(got, p)
		switch p.(type) {
		case protocol.SequenceComplete, protocol.SequenceError:
			return got
		}
	}
}

// sync returns once the engine has handled everything sent before it
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := h.coord.Request(ctx, protocol.Ping{})
	require.NoError(t, err)
	require.IsType(t, protocol.Pong{}, reply)
}

func (h *harness) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-h.events:
		t.Fatalf("unexpected message %T", p)
	case <-time.After(d):
	}
}

func loginSequence() action.Sequence {
	return action.Sequence{ID: "login", Name: "Login", Actions: action.List{
		action.Navigate{URL: "https://app.test/login"},
		action.Click{Selector: "#go"},
		action.TypeText{Selector: "#email", Value: "a@b"},
	}}
}

func progressOf(msgs []protocol.Payload) []int {
	var idx []int
	for _, m := range msgs {
		if p, ok := m.(protocol.StepProgressUpdate); ok {
			idx = append(idx, p.CompletedStepIndex)
		}
	}
	return idx
}

func TestSequenceRunsToCompletion(t *testing.T) {
	var executed []action.Kind
	runner := runnerFunc(func(_ context.Context, a action.Action, _ int) error {
		executed = append(executed, a.Kind())
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
	msgs := h.until(t)

	assert.Equal(t, []int{0, 1, 2}, progressOf(msgs))
	assert.Equal(t, protocol.SequenceComplete{SequenceID: "login"}, msgs[len(msgs)-1])
	assert.Equal(t, []action.Kind{action.KindNavigate, action.KindClick, action.KindType}, executed)
	assert.Equal(t, []bool{false}, h.activeAtEnd, "input blocking released before completion is reported")
}

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, a action.Action, _ int) error {
		if c, ok := a.(action.Click); ok {
			return &action.ElementNotFoundError{Selector: c.Selector}
		}
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
	msgs := h.until(t)

	assert.Equal(t, []int{0}, progressOf(msgs))
	serr, ok := msgs[len(msgs)-1].(protocol.SequenceError)
	require.True(t, ok)
	require.NotNil(t, serr.Step)
	assert.Equal(t, 1, *serr.Step)
	assert.Contains(t, serr.Error, "element not found: #go")
	assert.Equal(t, []bool{false}, h.activeAtEnd)
	assert.Eventually(t, func() bool { return !h.engine.Executing() }, time.Second, 5*time.Millisecond)
}

func TestStartQueriesAutomationState(t *testing.T) {
	h := newHarnessWithState(t, succeed, Options{}, nil, protocol.AutomationStateResponse{
		HasActiveAutomation: true,
		CurrentStepIndex:    protocol.StepIndex(1),
		PendingActions:      action.List{action.Click{Selector: "#go"}},
	})

	h.mu.Lock()
	queries := append([]protocol.AutomationStateRequest(nil), h.queries...)
	h.mu.Unlock()
	assert.Equal(t, []protocol.AutomationStateRequest{{TabID: 7}}, queries)

	state, err := h.engine.State(context.Background())
	require.NoError(t, err)
	assert.True(t, state.HasActiveAutomation)
	assert.Equal(t, 1, *state.CurrentStepIndex)
	assert.False(t, h.engine.Executing(), "the answer alone starts nothing")
}

func TestFailedStateQueryDoesNotFailStart(t *testing.T) {
	engEp, coordEp := protocol.Pipe("engine", "coordinator", 16)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		// a coordinator that answers nothing
		_ = coordEp.Serve(ctx, protocol.HandlerFunc(func(context.Context, protocol.Message) (protocol.Payload, error) {
			return nil, nil
		}))
	}()
	e := New(engEp, Config{
		TabID:     3,
		Runner:    succeed,
		Lifecycle: lifecycle.New(&blocker{}, nil),
		Options:   Options{NextStepTimeout: 50 * time.Millisecond},
	})
	defer func() {
		cancel()
		e.Wait()
		<-served
	}()

	require.NoError(t, e.Start(ctx))
	_, err := e.State(ctx)
	assert.Error(t, err)
}

func TestInputBlockingReleasedOnceWhateverStepFails(t *testing.T) {
	tests := []struct {
		name string
		fail int
	}{
		{"first step", 0},
		{"middle step", 1},
		{"last step", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := runnerFunc(func(_ context.Context, _ action.Action, step int) error {
				if step == tt.fail {
					return &action.ElementNotFoundError{Selector: "#missing"}
				}
				return nil
			})
			h := newHarness(t, runner, Options{}, nil)

			h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
			msgs := h.until(t)

			serr, ok := msgs[len(msgs)-1].(protocol.SequenceError)
			require.True(t, ok)
			assert.Equal(t, tt.fail, *serr.Step)
			h.mu.Lock()
			counts := h.countsAtEnd
			h.mu.Unlock()
			assert.Equal(t, []blockerCounts{{enables: 1, disables: 1}}, counts)
		})
	}
}

func TestSequenceRejectsInvalidActionBeforeRunning(t *testing.T) {
	calls := 0
	runner := runnerFunc(func(context.Context, action.Action, int) error {
		calls++
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	seq := action.Sequence{ID: "bad", Actions: action.List{
		action.Navigate{URL: "https://app.test/"},
		action.Click{},
	}}
	h.send(t, protocol.ExecuteSequence{Sequence: seq})
	msgs := h.until(t)

	require.Len(t, msgs, 1)
	serr := msgs[0].(protocol.SequenceError)
	assert.Equal(t, 1, *serr.Step)
	assert.Zero(t, calls)
}

func TestDuplicateStartIsIgnored(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, _ action.Action, step int) error {
		if step == 0 {
			runs.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	seq := action.Sequence{ID: "one", Actions: action.List{action.Wait{}}}
	h.send(t, protocol.ExecuteSequence{Sequence: seq})
	require.Eventually(t, h.engine.Executing, time.Second, 5*time.Millisecond)
	h.send(t, protocol.ExecuteSequence{Sequence: seq})
	h.send(t, protocol.StartAutomation{Objective: "again"})
	h.sync(t)
	close(release)

	msgs := h.until(t)
	assert.IsType(t, protocol.SequenceComplete{}, msgs[len(msgs)-1])
	h.quiet(t, 50*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Zero(t, h.inits)
}

func TestPanicIsReportedAndGuardReset(t *testing.T) {
	runner := runnerFunc(func(context.Context, action.Action, int) error { panic("nil map") })
	h := newHarness(t, runner, Options{}, nil)

	h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
	msgs := h.until(t)

	serr := msgs[len(msgs)-1].(protocol.SequenceError)
	assert.Equal(t, 0, *serr.Step)
	assert.Contains(t, serr.Error, "nil map")
	assert.False(t, h.blocked.on.Load())
	assert.Eventually(t, func() bool { return !h.engine.Executing() }, time.Second, 5*time.Millisecond)
}

func TestStopEndsRunBetweenSteps(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ action.Action, step int) error {
		if step == 0 {
			close(entered)
			<-release
		}
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
	<-entered
	h.send(t, protocol.StopAutomation{})
	require.Eventually(t, h.engine.stopped.Load, time.Second, 5*time.Millisecond)
	close(release)

	msgs := h.until(t)
	assert.Equal(t, []int{0}, progressOf(msgs))
	serr := msgs[len(msgs)-1].(protocol.SequenceError)
	assert.Contains(t, serr.Error, "stopped by user")
}

func TestTeardownReportsNothing(t *testing.T) {
	entered := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ action.Action, step int) error {
		if step == 1 {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	h := newHarness(t, runner, Options{}, nil)

	h.send(t, protocol.ExecuteSequence{Sequence: loginSequence()})
	assert.Equal(t, protocol.StepProgressUpdate{SequenceID: "login", CompletedStepIndex: 0}, h.next(t))
	<-entered
	h.cancel()
	h.engine.Wait()

	h.quiet(t, 50*time.Millisecond)
	assert.False(t, h.blocked.on.Load())
}

func TestStepwiseRunsUntilPlannerIsDone(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, succeed, Options{}, st)
	h.nextStep = func(req protocol.RequestNextStep) protocol.NextStepResponse {
		return protocol.NextStepResponse{
			Step:         action.Click{Selector: "#next"},
			HasMoreSteps: req.CurrentStepIndex < 2,
			Success:      true,
		}
	}

	h.send(t, protocol.StartAutomation{Objective: "create a form"})
	msgs := h.until(t)

	assert.Equal(t, []int{0, 1, 2}, progressOf(msgs))
	assert.Equal(t, protocol.SequenceComplete{SequenceID: "sess-1"}, msgs[len(msgs)-1])
	assert.Equal(t, 1, h.inits)
	require.Len(t, h.requests, 3)
	assert.Nil(t, h.requests[0].LastAction)
	assert.Equal(t, action.StatusSuccess, h.requests[1].LastAction.Status)

	_, ok, err := st.Get(context.Background(), store.KeySessionID)
	require.NoError(t, err)
	assert.False(t, ok, "session id cleared after completion")
}

func TestStepwiseStopsAtStepLimit(t *testing.T) {
	var executed atomic.Int32
	runner := runnerFunc(func(context.Context, action.Action, int) error {
		executed.Add(1)
		return nil
	})
	h := newHarness(t, runner, Options{StepLimit: 50}, nil)
	h.nextStep = func(protocol.RequestNextStep) protocol.NextStepResponse {
		return protocol.NextStepResponse{Step: action.Wait{}, HasMoreSteps: true, Success: true}
	}

	h.send(t, protocol.StartAutomation{Objective: "loop forever"})
	msgs := h.until(t)

	assert.Equal(t, int32(50), executed.Load())
	serr := msgs[len(msgs)-1].(protocol.SequenceError)
	assert.Contains(t, serr.Error, "step limit of 50 exceeded")
}

func TestStepwiseResumesStoredSession(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Set(context.Background(), store.KeySessionID, "sess-9"))
	h := newHarness(t, succeed, Options{}, st)
	h.nextStep = func(protocol.RequestNextStep) protocol.NextStepResponse {
		return protocol.NextStepResponse{Step: action.Wait{}, Success: true}
	}

	h.send(t, protocol.StartAutomation{Resume: true, StartIndex: 2})
	msgs := h.until(t)

	assert.Zero(t, h.inits)
	require.Len(t, h.requests, 1)
	assert.Equal(t, "sess-9", h.requests[0].SessionID)
	assert.Equal(t, 2, h.requests[0].CurrentStepIndex)
	assert.Equal(t, []int{2}, progressOf(msgs))
}

func TestStepwiseResumeWithoutSession(t *testing.T) {
	h := newHarness(t, succeed, Options{}, nil)

	h.send(t, protocol.StartAutomation{Resume: true, StartIndex: 3})
	msgs := h.until(t)

	serr := msgs[0].(protocol.SequenceError)
	assert.Equal(t, 3, *serr.Step)
	assert.Contains(t, serr.Error, "no session to resume")
	assert.Empty(t, h.requests)
}

func TestStepwiseReportsFailuresToPlanner(t *testing.T) {
	runner := runnerFunc(func(context.Context, action.Action, int) error {
		return &action.ElementNotFoundError{Selector: "#ghost"}
	})
	h := newHarness(t, runner, Options{MaxConsecutiveFailures: 3}, nil)
	h.nextStep = func(protocol.RequestNextStep) protocol.NextStepResponse {
		return protocol.NextStepResponse{Step: action.Click{Selector: "#ghost"}, HasMoreSteps: true, Success: true}
	}

	h.send(t, protocol.StartAutomation{Objective: "find the ghost"})
	msgs := h.until(t)

	require.Len(t, h.requests, 3)
	assert.Equal(t, action.StatusFail, h.requests[1].LastAction.Status)
	assert.Contains(t, h.requests[2].LastAction.ErrorMessage, "element not found")
	serr := msgs[len(msgs)-1].(protocol.SequenceError)
	assert.Equal(t, 2, *serr.Step)
	assert.Contains(t, serr.Error, "3 consecutive steps failed")
}

func TestStepwisePlannerFailure(t *testing.T) {
	h := newHarness(t, succeed, Options{}, nil)
	h.nextStep = func(protocol.RequestNextStep) protocol.NextStepResponse {
		return protocol.NextStepResponse{Success: false, Error: "model unavailable"}
	}

	h.send(t, protocol.StartAutomation{Objective: "anything"})
	msgs := h.until(t)

	serr := msgs[len(msgs)-1].(protocol.SequenceError)
	assert.Contains(t, serr.Error, "model unavailable")
	assert.Equal(t, 0, *serr.Step)
}
