package action

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed action or sequence, detected before
// anything is executed.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("invalid %s action: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ElementNotFoundError means the target never appeared within the locator timeout
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s", e.Selector)
}

// NavigationError means a location change did not complete
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("navigation to %s failed", e.URL)
	}
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ActionExecutionError is the generic execution failure, always tagged with
// the action type. StepIndex is -1 when unknown.
type ActionExecutionError struct {
	ActionType Kind
	Message    string
	StepIndex  int
	Err        error
}

func (e *ActionExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StepIndex >= 0 {
		return fmt.Sprintf("%s action failed at step %d: %s", e.ActionType, e.StepIndex, msg)
	}
	return fmt.Sprintf("%s action failed: %s", e.ActionType, msg)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// SequenceExecutionError attaches the owning sequence (or session) id and the
// failing step index to an action-level error.
type SequenceExecutionError struct {
	SequenceID string
	StepIndex  int
	Err        error
}

func (e *SequenceExecutionError) Error() string {
	return fmt.Sprintf("sequence %s failed at step %d: %v", e.SequenceID, e.StepIndex, e.Err)
}

func (e *SequenceExecutionError) Unwrap() error { return e.Err }

// AutomationCode classifies coordination-level failures
type AutomationCode string

const (
	CodeDuplicateRun      AutomationCode = "duplicate_run"
	CodeMissingSession    AutomationCode = "missing_session"
	CodeStepLimitExceeded AutomationCode = "step_limit_exceeded"
	CodeStopped           AutomationCode = "stopped"
	CodePlanner           AutomationCode = "planner"
	CodeDelivery          AutomationCode = "delivery"
	CodeTooManyFailures   AutomationCode = "too_many_failures"
)

// AutomationError is a protocol or coordination failure rather than a
// failure of one page interaction.
type AutomationError struct {
	Code    AutomationCode
	Message string
	Err     error
}

func (e *AutomationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AutomationError) Unwrap() error { return e.Err }

// IsCode reports whether err is an AutomationError with the given code
func IsCode(err error, code AutomationCode) bool {
	var ae *AutomationError
	return errors.As(err, &ae) && ae.Code == code
}

// IsClassified reports whether err is already one of the action-level kinds
// the executor is allowed to return.
func IsClassified(err error) bool {
	var (
		ve *ValidationError
		ne *ElementNotFoundError
		ge *NavigationError
		ae *ActionExecutionError
	)
	return errors.As(err, &ve) || errors.As(err, &ne) || errors.As(err, &ge) || errors.As(err, &ae)
}
