package planner

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/v0xg/demopilot/internal/action"
)

// scriptedModel answers with canned responses and remembers the prompts
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (m *scriptedModel) Complete(_ context.Context, _, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return `{"action": null, "done": true}`, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		in   PlannedAction
		want action.Action
		err  bool
	}{
		{
			name: "navigate",
			in:   PlannedAction{Type: "navigate", URL: "https://x/a", Delay: 500},
			want: action.Navigate{Meta: action.Meta{Delay: 500 * time.Millisecond}, URL: "https://x/a"},
		},
		{
			name: "click",
			in:   PlannedAction{Type: "click", Target: "#go", Description: "Go"},
			want: action.Click{Meta: action.Meta{Description: "Go"}, Selector: "#go"},
		},
		{
			name: "type",
			in:   PlannedAction{Type: "type", Target: "#q", Text: "hello"},
			want: action.TypeText{Selector: "#q", Value: "hello"},
		},
		{
			name: "wait uses delay as duration",
			in:   PlannedAction{Type: "wait", Delay: 250},
			want: action.Wait{Duration: 250 * time.Millisecond},
		},
		{name: "unknown type", in: PlannedAction{Type: "hover", Target: "#x"}, err: true},
		{name: "click without target", in: PlannedAction{Type: "click"}, err: true},
		{name: "relative url", in: PlannedAction{Type: "navigate", URL: "/a"}, err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Translate(tt.in)
			if tt.err {
				var ve *action.ValidationError
				assert.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision(`Sure! {"action": {"type": "click", "target": "a[title=\"}\"]"}, "done": false} hope that helps`)
	require.NoError(t, err)
	require.NotNil(t, d.Action)
	assert.Equal(t, `a[title="}"]`, d.Action.Target)
	assert.False(t, d.Done)

	_, err = parseDecision("no json here")
	assert.Error(t, err)

	_, err = parseDecision(`{"action": {"type": "click"`)
	assert.Error(t, err)
}

func TestLLMPlansAndCachesPerIndex(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"action": {"type": "click", "target": "#new"}, "done": false}`,
		`{"action": {"type": "type", "target": "#title", "text": "Q3"}, "done": true}`,
	}}
	snap := func(context.Context) (*PageSnapshot, error) {
		return &PageSnapshot{URL: "https://app.test/forms", Title: "Forms"}, nil
	}
	l, err := NewLLM(model, snap, LLMOptions{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := l.CreateSession(ctx, "create a form")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	first, err := l.NextStep(ctx, s.ID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "#new", first.Action.Target)
	assert.True(t, first.HasMoreSteps)

	again, err := l.NextStep(ctx, s.ID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again, "same index after a reload returns the cached step")

	second, err := l.NextStep(ctx, s.ID, 1, action.Failed(errors.New("element not found: #new")))
	require.NoError(t, err)
	assert.False(t, second.HasMoreSteps)
	assert.True(t, second.Completed)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "https://app.test/forms")
	assert.Contains(t, model.prompts[0], "No actions have been executed yet")
	assert.Contains(t, model.prompts[1], "FAILED: element not found: #new")
}

func TestLLMDoneWithoutAction(t *testing.T) {
	l, err := NewLLM(&scriptedModel{}, nil, LLMOptions{}, nil)
	require.NoError(t, err)
	s, err := l.CreateSession(context.Background(), "nothing to do")
	require.NoError(t, err)

	res, err := l.NextStep(context.Background(), s.ID, 0, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Action)
	assert.False(t, res.HasMoreSteps)
	assert.True(t, res.Completed)
}

func TestLLMSnapshotFailureIsNotFatal(t *testing.T) {
	model := &scriptedModel{}
	snap := func(context.Context) (*PageSnapshot, error) { return nil, errors.New("page closed") }
	l, err := NewLLM(model, snap, LLMOptions{}, nil)
	require.NoError(t, err)
	s, err := l.CreateSession(context.Background(), "x")
	require.NoError(t, err)

	_, err = l.NextStep(context.Background(), s.ID, 0, nil)
	assert.NoError(t, err)
	assert.NotContains(t, model.prompts[0], "Page map")
}

func TestLLMErrors(t *testing.T) {
	model := &scriptedModel{responses: []string{"I cannot help with that"}}
	l, err := NewLLM(model, nil, LLMOptions{SessionCacheSize: 1}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.NextStep(ctx, "missing", 0, nil)
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = l.CreateSession(ctx, "")
	assert.Error(t, err)

	old, err := l.CreateSession(ctx, "a")
	require.NoError(t, err)
	_, err = l.NextStep(ctx, old.ID, 0, nil)
	assert.ErrorContains(t, err, "failed to parse model response")

	_, err = l.CreateSession(ctx, "b")
	require.NoError(t, err)
	_, err = l.NextStep(ctx, old.ID, 1, nil)
	assert.ErrorIs(t, err, ErrUnknownSession, "evicted once the cache is full")
}

func TestRemoteRoundTrip(t *testing.T) {
	model := &scriptedModel{responses: []string{
		`{"action": {"type": "navigate", "url": "https://app.test/new"}, "done": false}`,
	}}
	l, err := NewLLM(model, nil, LLMOptions{}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(l))
	defer srv.Close()

	r, err := NewRemote(srv.URL+"/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := r.CreateSession(ctx, "open the editor")
	require.NoError(t, err)
	assert.Equal(t, "open the editor", s.Objective)

	res, err := r.NextStep(ctx, s.ID, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Equal(t, "https://app.test/new", res.Action.URL)
	assert.True(t, res.HasMoreSteps)

	_, err = r.NextStep(ctx, "nope", 0, action.Succeeded())
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRemoteSurfacesServerErrors(t *testing.T) {
	l, err := NewLLM(&scriptedModel{err: errors.New("rate limited")}, nil, LLMOptions{}, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(Handler(l))
	defer srv.Close()

	r, err := NewRemote(srv.URL, nil)
	require.NoError(t, err)
	s, err := r.CreateSession(context.Background(), "x")
	require.NoError(t, err)

	_, err = r.NextStep(context.Background(), s.ID, 0, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502") && strings.Contains(err.Error(), "rate limited"), err.Error())

	_, err = NewRemote("not a url", nil)
	assert.Error(t, err)
}
