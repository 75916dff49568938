package action

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr string
	}{
		{"navigate ok", Navigate{URL: "https://x/a"}, ""},
		{"navigate relative", Navigate{URL: "/a"}, "not an absolute URL"},
		{"navigate empty", Navigate{}, "not an absolute URL"},
		{"click ok", Click{Selector: "#go"}, ""},
		{"click blank selector", Click{Selector: "  "}, "target selector is required"},
		{"type blank selector", TypeText{Value: "hi"}, "target selector is required"},
		{"wait zero", Wait{}, ""},
		{"wait negative", Wait{Duration: -time.Millisecond}, "wait duration must be >= 0"},
		{"negative post delay", Click{Selector: "#a", Meta: Meta{Delay: -1}}, "post-action delay"},
		{"wait with post delay", Wait{Duration: time.Second, Meta: Meta{Delay: time.Second}}, "wait takes no post-action delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSequenceFromCopies(t *testing.T) {
	seq := Sequence{ID: "s", Actions: List{
		Navigate{URL: "https://x/a"},
		Click{Selector: "#go"},
		Wait{Duration: 100 * time.Millisecond},
	}}

	rest := seq.From(1)
	require.Len(t, rest, 2)
	assert.Equal(t, Click{Selector: "#go"}, rest[0])

	rest[0] = Wait{}
	assert.Equal(t, Click{Selector: "#go"}, seq.Actions[1], "From must not alias the sequence")

	assert.Empty(t, seq.From(3))
	assert.Empty(t, seq.From(10))
	assert.Len(t, seq.From(-1), 3)
}

func TestSequenceWireFormat(t *testing.T) {
	raw := `{
		"sequenceId": "form-building-v1",
		"name": "Build Form Elements",
		"steps": [
			{"action": "wait", "description": "Wait for page to initialize", "delay": 1000},
			{"action": "type", "selector": "#text", "text": "Course Registration", "delay": 500},
			{"action": "navigate", "url": "https://www.jotform.com/myforms", "delay": 2000}
		]
	}`

	var seq Sequence
	require.NoError(t, json.Unmarshal([]byte(raw), &seq))
	assert.Equal(t, "form-building-v1", seq.ID)
	require.Len(t, seq.Actions, 3)

	wait, ok := seq.Actions[0].(Wait)
	require.True(t, ok)
	assert.Equal(t, time.Second, wait.Duration)
	assert.Zero(t, wait.Delay)

	typ, ok := seq.Actions[1].(TypeText)
	require.True(t, ok)
	assert.Equal(t, "Course Registration", typ.Value)
	assert.Equal(t, 500*time.Millisecond, typ.Delay)

	out, err := json.Marshal(seq)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestWaitDelaySurvivesWireForm(t *testing.T) {
	w := Wait{Meta: Meta{Description: "settle"}, Duration: 1500 * time.Millisecond}
	require.NoError(t, w.Validate())

	back, err := StepOf(w).ToAction()
	require.NoError(t, err)
	assert.Equal(t, w, back)

	seq := Sequence{ID: "s", Actions: List{Wait{Duration: time.Second, Meta: Meta{Delay: 2 * time.Second}}}}
	err = seq.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "delay", ve.Field)
}

func TestUnknownStepRejected(t *testing.T) {
	var seq Sequence
	err := json.Unmarshal([]byte(`{"sequenceId":"x","steps":[{"action":"hover","selector":"#a"}]}`), &seq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action type")
}

func TestDecodeNull(t *testing.T) {
	a, err := Decode([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestIsClassified(t *testing.T) {
	assert.True(t, IsClassified(&ElementNotFoundError{Selector: "#a"}))
	assert.True(t, IsClassified(&NavigationError{URL: "https://x"}))
	assert.True(t, IsClassified(&ActionExecutionError{ActionType: KindClick, StepIndex: -1}))
	assert.False(t, IsClassified(errors.New("boom")))
	assert.False(t, IsClassified(&AutomationError{Code: CodeStopped}))
}

func TestFailedCarriesMessage(t *testing.T) {
	e := Failed(&ElementNotFoundError{Selector: "#go"})
	assert.Equal(t, StatusFail, e.Status)
	assert.Equal(t, "element not found: #go", e.ErrorMessage)
	assert.Equal(t, StatusSuccess, Succeeded().Status)
}
