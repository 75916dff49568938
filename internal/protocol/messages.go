// Package protocol defines the closed set of messages exchanged between the
// coordinator, the per-page engine and the user-facing surface, and the
// endpoints that carry them.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/v0xg/demopilot/internal/action"
)

// Type is the discriminator of a message on the wire
type Type string

const (
	// Commands
	TypeExecuteSequence    Type = "EXECUTE_SEQUENCE"
	TypeStartAutomation    Type = "START_AUTOMATION"
	TypeStopAutomation     Type = "STOP_AUTOMATION"
	TypeContentScriptReady Type = "CONTENT_SCRIPT_READY"
	TypeNavigationDetected Type = "NAVIGATION_DETECTED"
	TypeStepProgressUpdate Type = "STEP_PROGRESS_UPDATE"

	// Queries and their replies
	TypeAutomationStateRequest  Type = "AUTOMATION_STATE_REQUEST"
	TypeAutomationStateResponse Type = "AUTOMATION_STATE_RESPONSE"
	TypeInitSession             Type = "INIT_SESSION"
	TypeInitSessionResponse     Type = "INIT_SESSION_RESPONSE"
	TypeRequestNextStep         Type = "REQUEST_NEXT_STEP"
	TypeNextStepResponse        Type = "NEXT_STEP_RESPONSE"

	// Terminal reports
	TypeSequenceComplete Type = "SEQUENCE_COMPLETE"
	TypeSequenceError    Type = "SEQUENCE_ERROR"

	// Surface-only
	TypeGetSequence           Type = "GET_SEQUENCE"
	TypeSequenceResponse      Type = "SEQUENCE_RESPONSE"
	TypePing                  Type = "PING"
	TypePong                  Type = "PONG"
	TypeConnectionEstablished Type = "CONNECTION_ESTABLISHED"

	TypeUnknownMessage Type = "UNKNOWN_MESSAGE"
)

// replyTypes maps each query to the only reply type allowed for it
var replyTypes = map[Type]Type{
	TypeAutomationStateRequest: TypeAutomationStateResponse,
	TypeInitSession:            TypeInitSessionResponse,
	TypeRequestNextStep:        TypeNextStepResponse,
	TypeGetSequence:            TypeSequenceResponse,
	TypePing:                   TypePong,
}

// IsQuery reports whether messages of type t require exactly one reply
func IsQuery(t Type) bool {
	_, ok := replyTypes[t]
	return ok
}

// ReplyType returns the response type expected for query t
func ReplyType(t Type) (Type, bool) {
	r, ok := replyTypes[t]
	return r, ok
}

// Payload is implemented by every message body
type Payload interface {
	MessageType() Type
}

type ExecuteSequence struct {
	Sequence action.Sequence `json:"sequence"`
}

// StartAutomation begins a step-by-step run. Resume is set by the coordinator
// after a page reload; the engine then continues the stored session at
// StartIndex instead of creating a new one.
type StartAutomation struct {
	Objective  string `json:"objective"`
	Resume     bool   `json:"resume,omitempty"`
	StartIndex int    `json:"startIndex,omitempty"`
}

type StopAutomation struct{}

type ContentScriptReady struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
}

type NavigationDetected struct {
	TabID   int    `json:"tabId"`
	FromURL string `json:"fromUrl"`
	ToURL   string `json:"toUrl"`
}

type StepProgressUpdate struct {
	SequenceID         string `json:"sequenceId"`
	CompletedStepIndex int    `json:"completedStepIndex"`
}

type AutomationStateRequest struct {
	TabID int `json:"tabId"`
}

type AutomationStateResponse struct {
	HasActiveAutomation bool             `json:"hasActiveAutomation"`
	CurrentSequence     *action.Sequence `json:"currentSequence,omitempty"`
	CurrentStepIndex    *int             `json:"currentStepIndex,omitempty"`
	PendingActions      action.List      `json:"pendingActions,omitempty"`
}

type InitSession struct {
	Objective string `json:"objective"`
}

type InitSessionResponse struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type RequestNextStep struct {
	SessionID        string           `json:"sessionId"`
	CurrentStepIndex int              `json:"currentStepIndex"`
	LastAction       *action.Executed `json:"lastAction,omitempty"`
}

// NextStepResponse carries the planner's next action. Step is nil when the
// planner has nothing more to do.
type NextStepResponse struct {
	Step         action.Action `json:"-"`
	HasMoreSteps bool          `json:"hasMoreSteps"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
}

type nextStepWire struct {
	Step         json.RawMessage `json:"step,omitempty"`
	HasMoreSteps bool            `json:"hasMoreSteps"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
}

func (r NextStepResponse) MarshalJSON() ([]byte, error) {
	w := nextStepWire{HasMoreSteps: r.HasMoreSteps, Success: r.Success, Error: r.Error}
	if r.Step != nil {
		raw, err := action.Encode(r.Step)
		if err != nil {
			return nil, err
		}
		w.Step = raw
	}
	return json.Marshal(w)
}

func (r *NextStepResponse) UnmarshalJSON(data []byte) error {
	var w nextStepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	step, err := action.Decode(w.Step)
	if err != nil {
		return err
	}
	*r = NextStepResponse{Step: step, HasMoreSteps: w.HasMoreSteps, Success: w.Success, Error: w.Error}
	return nil
}

type SequenceComplete struct {
	SequenceID string `json:"sequenceId"`
}

// SequenceError is the single failure report of a run. Step is the index of
// the failing action when known.
type SequenceError struct {
	Error string `json:"error"`
	Step  *int   `json:"step,omitempty"`
}

type GetSequence struct {
	SequenceType string         `json:"sequenceType"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

type SequenceResponse struct {
	Sequence action.Sequence `json:"sequence"`
}

type Ping struct{}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionEstablished struct {
	Message   string    `json:"message"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

type UnknownMessage struct {
	Error string `json:"error"`
}

// Unknown holds a message whose type this build does not recognise
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (ExecuteSequence) MessageType() Type         { return TypeExecuteSequence }
func (StartAutomation) MessageType() Type         { return TypeStartAutomation }
func (StopAutomation) MessageType() Type          { return TypeStopAutomation }
func (ContentScriptReady) MessageType() Type      { return TypeContentScriptReady }
func (NavigationDetected) MessageType() Type      { return TypeNavigationDetected }
func (StepProgressUpdate) MessageType() Type      { return TypeStepProgressUpdate }
func (AutomationStateRequest) MessageType() Type  { return TypeAutomationStateRequest }
func (AutomationStateResponse) MessageType() Type { return TypeAutomationStateResponse }
func (InitSession) MessageType() Type             { return TypeInitSession }
func (InitSessionResponse) MessageType() Type     { return TypeInitSessionResponse }
func (RequestNextStep) MessageType() Type         { return TypeRequestNextStep }
func (NextStepResponse) MessageType() Type        { return TypeNextStepResponse }
func (SequenceComplete) MessageType() Type        { return TypeSequenceComplete }
func (SequenceError) MessageType() Type           { return TypeSequenceError }
func (GetSequence) MessageType() Type             { return TypeGetSequence }
func (SequenceResponse) MessageType() Type        { return TypeSequenceResponse }
func (Ping) MessageType() Type                    { return TypePing }
func (Pong) MessageType() Type                    { return TypePong }
func (ConnectionEstablished) MessageType() Type   { return TypeConnectionEstablished }
func (UnknownMessage) MessageType() Type          { return TypeUnknownMessage }
func (u Unknown) MessageType() Type               { return u.Type }

// StepIndex is a helper for building SequenceError payloads
func StepIndex(i int) *int { return &i }
