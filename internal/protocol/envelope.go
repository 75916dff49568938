package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one envelope on a channel. ID is unique per sender; replies to a
// query carry the query's ID in ReplyTo.
type Message struct {
	ID      string
	ReplyTo string
	Payload Payload
}

// Type returns the payload discriminator, or "" for an empty message
func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("message has no payload")
	}
	env := envelope{Type: m.Type(), ID: m.ID, ReplyTo: m.ReplyTo}
	if u, ok := m.Payload.(Unknown); ok {
		env.Payload = u.Raw
	} else {
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type == "" {
		return errors.New("message type is required")
	}
	p, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	*m = Message{ID: env.ID, ReplyTo: env.ReplyTo, Payload: p}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeExecuteSequence:
		return decodeAs[ExecuteSequence](raw)
	case TypeStartAutomation:
		return decodeAs[StartAutomation](raw)
	case TypeStopAutomation:
		return StopAutomation{}, nil
	case TypeContentScriptReady:
		return decodeAs[ContentScriptReady](raw)
	case TypeNavigationDetected:
		return decodeAs[NavigationDetected](raw)
	case TypeStepProgressUpdate:
		return decodeAs[StepProgressUpdate](raw)
	case TypeAutomationStateRequest:
		return decodeAs[AutomationStateRequest](raw)
	case TypeAutomationStateResponse:
		return decodeAs[AutomationStateResponse](raw)
	case TypeInitSession:
		return decodeAs[InitSession](raw)
	case TypeInitSessionResponse:
		return decodeAs[InitSessionResponse](raw)
	case TypeRequestNextStep:
		return decodeAs[RequestNextStep](raw)
	case TypeNextStepResponse:
		return decodeAs[NextStepResponse](raw)
	case TypeSequenceComplete:
		return decodeAs[SequenceComplete](raw)
	case TypeSequenceError:
		return decodeAs[SequenceError](raw)
	case TypeGetSequence:
		return decodeAs[GetSequence](raw)
	case TypeSequenceResponse:
		return decodeAs[SequenceResponse](raw)
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return decodeAs[Pong](raw)
	case TypeConnectionEstablished:
		return decodeAs[ConnectionEstablished](raw)
	case TypeUnknownMessage:
		return decodeAs[UnknownMessage](raw)
	default:
		return Unknown{Type: t, Raw: raw}, nil
	}
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
