package action

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind identifies one of the four supported action variants
type Kind string

const (
	KindNavigate Kind = "navigate"
	KindClick    Kind = "click"
	KindType     Kind = "type"
	KindWait     Kind = "wait"
)

// Action is a single browser automation step. The set of implementations is
// closed: Navigate, Click, TypeText and Wait.
type Action interface {
	Kind() Kind
	Info() Meta
	Validate() error
	isAction()
}

// Meta holds the fields shared by every action variant
type Meta struct {
	Description string        // Human-readable label shown in progress output
	Delay       time.Duration // Pause after the action completes
}

// Navigate loads an absolute URL in the current tab
type Navigate struct {
	Meta
	URL string
}

// Click dispatches a click on the element matching Selector
type Click struct {
	Meta
	Selector string
}

// TypeText enters Value into the text-accepting element matching Selector
type TypeText struct {
	Meta
	Selector string
	Value    string
}

// Wait suspends execution for Duration. Zero or negative is a no-op.
type Wait struct {
	Meta
	Duration time.Duration
}

func (Navigate) Kind() Kind { return KindNavigate }
func (Click) Kind() Kind    { return KindClick }
func (TypeText) Kind() Kind { return KindType }
func (Wait) Kind() Kind     { return KindWait }

func (a Navigate) Info() Meta { return a.Meta }
func (a Click) Info() Meta    { return a.Meta }
func (a TypeText) Info() Meta { return a.Meta }
func (a Wait) Info() Meta     { return a.Meta }

func (Navigate) isAction() {}
func (Click) isAction()    {}
func (TypeText) isAction() {}
func (Wait) isAction()     {}

func (a Navigate) Validate() error {
	u, err := url.Parse(strings.TrimSpace(a.URL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Kind: KindNavigate, Field: "url", Message: fmt.Sprintf("%q is not an absolute URL", a.URL)}
	}
	return a.Meta.validate(KindNavigate)
}

func (a Click) Validate() error {
	if strings.TrimSpace(a.Selector) == "" {
		return &ValidationError{Kind: KindClick, Field: "selector", Message: "target selector is required"}
	}
	return a.Meta.validate(KindClick)
}

func (a TypeText) Validate() error {
	if strings.TrimSpace(a.Selector) == "" {
		return &ValidationError{Kind: KindType, Field: "selector", Message: "target selector is required"}
	}
	return a.Meta.validate(KindType)
}

func (a Wait) Validate() error {
	if a.Duration < 0 {
		return &ValidationError{Kind: KindWait, Field: "delay", Message: "wait duration must be >= 0"}
	}
	// the wire form has one delay field, which a wait spends on its duration
	if a.Meta.Delay != 0 {
		return &ValidationError{Kind: KindWait, Field: "delay", Message: "wait takes no post-action delay, extend its duration instead"}
	}
	return nil
}

func (m Meta) validate(kind Kind) error {
	if m.Delay < 0 {
		return &ValidationError{Kind: kind, Field: "delay", Message: "post-action delay must be >= 0"}
	}
	return nil
}

// Describe returns a one-line summary used in logs and CLI output
func Describe(a Action) string {
	if d := a.Info().Description; d != "" {
		return d
	}
	switch v := a.(type) {
	case Navigate:
		return "Navigate to " + v.URL
	case Click:
		return "Click " + v.Selector
	case TypeText:
		return fmt.Sprintf("Type %q into %s", v.Value, v.Selector)
	case Wait:
		return fmt.Sprintf("Wait %dms", v.Duration.Milliseconds())
	default:
		return string(a.Kind())
	}
}

// Sequence is an ordered, immutable list of actions. Remaining work is tracked
// by index elsewhere; the slice itself is never modified after construction.
type Sequence struct {
	ID      string
	Name    string
	Actions List
}

// Len returns the number of actions in the sequence
func (s Sequence) Len() int { return len(s.Actions) }

// From returns a copy of the actions starting at index i. Out-of-range
// indices yield an empty list.
func (s Sequence) From(i int) List {
	if i < 0 {
		i = 0
	}
	if i >= len(s.Actions) {
		return List{}
	}
	out := make(List, len(s.Actions)-i)
	copy(out, s.Actions[i:])
	return out
}

// Validate checks the sequence and each of its actions
func (s Sequence) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return &ValidationError{Field: "sequenceId", Message: "sequence id is required"}
	}
	for i, a := range s.Actions {
		if a == nil {
			return &ValidationError{Field: fmt.Sprintf("steps[%d]", i), Message: "action is missing"}
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Status is the outcome of one executed action
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

// Executed records the outcome of an action so it can be reported to the
// planning service with the next step request.
type Executed struct {
	Status       Status `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Succeeded builds a SUCCESS record
func Succeeded() *Executed { return &Executed{Status: StatusSuccess} }

// Failed builds a FAIL record carrying err's message
func Failed(err error) *Executed {
	e := &Executed{Status: StatusFail}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}
