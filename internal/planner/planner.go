// Package planner is the planning-service side of step-by-step automation:
// given an objective it hands out one action at a time.
package planner

import (
	"context"
	"errors"
	"time"

	"github.com/v0xg/demopilot/internal/action"
)

// ErrUnknownSession is returned for a session id the planner never issued
// or has since evicted.
var ErrUnknownSession = errors.New("planner: unknown session")

// Session is one planning conversation
type Session struct {
	ID        string    `json:"sessionId"`
	Objective string    `json:"objective"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlannedAction is the planner's action shape. Delay is in milliseconds: the
// wait duration for "wait", the post-action pause otherwise.
type PlannedAction struct {
	Type        string `json:"type"`
	URL         string `json:"url,omitempty"`
	Target      string `json:"target,omitempty"`
	Text        string `json:"text,omitempty"`
	Delay       int    `json:"delay,omitempty"`
	Description string `json:"description,omitempty"`
}

// StepResult answers one next-step request. Action is nil when the
// objective is reached.
type StepResult struct {
	Action       *PlannedAction `json:"action,omitempty"`
	HasMoreSteps bool           `json:"hasMoreSteps"`
	Completed    bool           `json:"completed"`
}

// Planner creates sessions and supplies their steps
type Planner interface {
	CreateSession(ctx context.Context, objective string) (Session, error)
	NextStep(ctx context.Context, sessionID string, index int, last *action.Executed) (StepResult, error)
}

// Translate converts a planned action into an executable one
func Translate(p PlannedAction) (action.Action, error) {
	a, err := action.Step{
		Action:      p.Type,
		Selector:    p.Target,
		URL:         p.URL,
		Text:        p.Text,
		Description: p.Description,
		Delay:       p.Delay,
	}.ToAction()
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// PageSnapshot is what the planner sees of the current page
type PageSnapshot struct {
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Elements []PageElement `json:"elements"`
	Links    []PageLink    `json:"navigation,omitempty"`
}

// PageElement is one interactive element on the page
type PageElement struct {
	Selector    string `json:"selector"`
	Type        string `json:"type"` // button, input, link, select, checkbox, radio
	Text        string `json:"text,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Name        string `json:"name,omitempty"`
}

// PageLink is a navigation entry
type PageLink struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Href     string `json:"href"`
}

// SnapshotFunc captures the page the automation is currently bound to
type SnapshotFunc func(ctx context.Context) (*PageSnapshot, error)
