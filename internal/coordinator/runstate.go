package coordinator

import (
	"fmt"
	"time"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/protocol"
)

// Mode distinguishes the two kinds of run
type Mode string

const (
	ModeSequence Mode = "sequence"
	ModeStepwise Mode = "stepwise"
)

// runState is the single authoritative record of the current run
type runState struct {
	active    bool
	mode      Mode
	sequence  action.Sequence
	stepIndex int
	tabID     int
	lastURL   string
	objective string
	sessionID string
	startedAt time.Time

	// id and start offset of the sequence last sent to the page. After a
	// continuation the page reports progress relative to that offset.
	dispatchedID string
	offset       int

	// page context that received the last dispatch, nil when none did
	dispatchedTo *protocol.Endpoint
}

func (s *runState) reset() {
	*s = runState{}
}

func (s *runState) beginSequence(seq action.Sequence, tabID int) {
	*s = runState{
		active:       true,
		mode:         ModeSequence,
		sequence:     seq,
		tabID:        tabID,
		startedAt:    time.Now(),
		dispatchedID: seq.ID,
	}
}

func (s *runState) beginStepwise(objective string, tabID int) {
	*s = runState{
		active:    true,
		mode:      ModeStepwise,
		objective: objective,
		tabID:     tabID,
		startedAt: time.Now(),
	}
}

// pending is the remainder of the sequence from the current step
func (s *runState) pending() action.List {
	if s.mode != ModeSequence {
		return nil
	}
	return s.sequence.From(s.stepIndex)
}

// continuation builds the sequence that resumes the run at the current step
func (s *runState) continuation() action.Sequence {
	seq := action.Sequence{
		ID:      fmt.Sprintf("%s-continued-%d", s.sequence.ID, s.stepIndex),
		Name:    s.sequence.Name + " (Continued)",
		Actions: s.pending(),
	}
	s.dispatchedID = seq.ID
	s.offset = s.stepIndex
	return seq
}

// advance applies a progress report. It returns false for reports that
// belong to another run or that do not move the index forward.
func (s *runState) advance(id string, completed int) bool {
	if !s.active || completed < 0 {
		return false
	}
	var abs int
	switch s.mode {
	case ModeSequence:
		if id != s.dispatchedID {
			return false
		}
		abs = s.offset + completed
		if abs >= s.sequence.Len() {
			abs = s.sequence.Len() - 1
		}
	case ModeStepwise:
		if s.sessionID != "" && id != s.sessionID {
			return false
		}
		abs = completed
	}
	if abs+1 <= s.stepIndex {
		return false
	}
	s.stepIndex = abs + 1
	return true
}

// State is a read-only snapshot of the run
type State struct {
	Active    bool             `json:"isActive"`
	Mode      Mode             `json:"mode,omitempty"`
	Sequence  *action.Sequence `json:"currentSequence,omitempty"`
	StepIndex int              `json:"currentStepIndex"`
	Pending   action.List      `json:"pendingActions"`
	TabID     int              `json:"targetTabId,omitempty"`
	LastURL   string           `json:"lastKnownUrl,omitempty"`
	Objective string           `json:"objective,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	StartedAt *time.Time       `json:"startedAt,omitempty"`
}

func (s *runState) snapshot() State {
	if !s.active {
		return State{Pending: action.List{}}
	}
	st := State{
		Active:    true,
		Mode:      s.mode,
		StepIndex: s.stepIndex,
		Pending:   s.pending(),
		TabID:     s.tabID,
		LastURL:   s.lastURL,
		Objective: s.objective,
		SessionID: s.sessionID,
	}
	if st.Pending == nil {
		st.Pending = action.List{}
	}
	if s.mode == ModeSequence {
		seq := s.sequence
		st.Sequence = &seq
	}
	started := s.startedAt
	st.StartedAt = &started
	return st
}
