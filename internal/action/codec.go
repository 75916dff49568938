package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Step is the wire form of an action as exchanged with the user surface and
// stored in sequence files. Delay is in milliseconds; for wait steps it is the
// wait duration itself.
type Step struct {
	Action      string `json:"action" yaml:"action"`
	Selector    string `json:"selector,omitempty" yaml:"selector,omitempty"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	Text        string `json:"text,omitempty" yaml:"text,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Delay       int    `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Document is the wire form of a Sequence
type Document struct {
	ID    string `json:"sequenceId" yaml:"sequenceId"`
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// ToAction converts the wire step into its typed variant
func (s Step) ToAction() (Action, error) {
	meta := Meta{Description: s.Description}
	delay := time.Duration(s.Delay) * time.Millisecond

	switch Kind(strings.ToLower(strings.TrimSpace(s.Action))) {
	case KindNavigate:
		meta.Delay = delay
		return Navigate{Meta: meta, URL: s.URL}, nil
	case KindClick:
		meta.Delay = delay
		return Click{Meta: meta, Selector: s.Selector}, nil
	case KindType:
		meta.Delay = delay
		return TypeText{Meta: meta, Selector: s.Selector, Value: s.Text}, nil
	case KindWait:
		return Wait{Meta: meta, Duration: delay}, nil
	default:
		return nil, &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action type %q", s.Action)}
	}
}

// StepOf converts a typed action back into its wire form
func StepOf(a Action) Step {
	meta := a.Info()
	s := Step{
		Action:      string(a.Kind()),
		Description: meta.Description,
		Delay:       int(meta.Delay.Milliseconds()),
	}
	switch v := a.(type) {
	case Navigate:
		s.URL = v.URL
	case Click:
		s.Selector = v.Selector
	case TypeText:
		s.Selector = v.Selector
		s.Text = v.Value
	case Wait:
		s.Delay = int(v.Duration.Milliseconds())
	}
	return s
}

// ToSequence converts the document into a Sequence
func (d Document) ToSequence() (Sequence, error) {
	actions := make(List, 0, len(d.Steps))
	for i, st := range d.Steps {
		a, err := st.ToAction()
		if err != nil {
			return Sequence{}, fmt.Errorf("step %d: %w", i, err)
		}
		actions = append(actions, a)
	}
	return Sequence{ID: d.ID, Name: d.Name, Actions: actions}, nil
}

// DocumentOf converts a Sequence into its wire form
func DocumentOf(s Sequence) Document {
	return Document{ID: s.ID, Name: s.Name, Steps: s.Actions.Steps()}
}

// List is an ordered list of actions that encodes as a JSON array of steps
type List []Action

// Steps returns the wire form of every action in the list
func (l List) Steps() []Step {
	steps := make([]Step, 0, len(l))
	for _, a := range l {
		steps = append(steps, StepOf(a))
	}
	return steps
}

func (l List) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Steps())
}

func (l *List) UnmarshalJSON(data []byte) error {
	var steps []Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return err
	}
	out := make(List, 0, len(steps))
	for i, st := range steps {
		a, err := st.ToAction()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

func (s Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(DocumentOf(s))
}

func (s *Sequence) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	seq, err := doc.ToSequence()
	if err != nil {
		return err
	}
	*s = seq
	return nil
}

// Encode marshals a single action into its wire form
func Encode(a Action) ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(StepOf(a))
}

// Decode parses a single wire-form action. A JSON null yields a nil action.
func Decode(data []byte) (Action, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var st Step
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.ToAction()
}
