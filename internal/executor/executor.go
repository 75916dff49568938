package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/v0xg/demopilot/internal/action"
	"go.uber.org/zap"
)

// Options configures execution behavior
type Options struct {
	TypingDelay time.Duration // Delay between typed characters
}

// Executor performs one typed action against a page. It keeps no state
// between calls.
type Executor struct {
	page    Page
	locator Locator
	opts    Options
	logger  *zap.Logger
}

// New creates an executor bound to one page
func New(page Page, locator Locator, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{page: page, locator: locator, opts: opts, logger: logger.Named("executor")}
}

// Execute validates and runs a. Every returned error is one of the typed
// kinds in package action; anything else is wrapped as an
// ActionExecutionError carrying the action type and step index.
func (x *Executor) Execute(ctx context.Context, a action.Action, step int) (err error) {
	if a == nil {
		return &action.ValidationError{Field: "action", Message: "action is missing"}
	}
	if err := a.Validate(); err != nil {
		return err
	}

	x.logger.Debug("Executing action",
		zap.Int("step", step),
		zap.String("kind", string(a.Kind())),
		zap.String("description", action.Describe(a)))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		err = classify(a.Kind(), step, err)
	}()

	switch v := a.(type) {
	case action.Navigate:
		return x.navigate(ctx, v)
	case action.Click:
		return x.click(ctx, v)
	case action.TypeText:
		return x.typeText(ctx, v)
	case action.Wait:
		return sleep(ctx, v.Duration)
	default:
		return &action.ActionExecutionError{ActionType: a.Kind(), StepIndex: step, Message: "unsupported action"}
	}
}

func (x *Executor) navigate(ctx context.Context, a action.Navigate) error {
	current, err := x.page.URL(ctx)
	if err != nil {
		return &action.NavigationError{URL: a.URL, Err: fmt.Errorf("read current location: %w", err)}
	}
	if sameLocation(current, a.URL) {
		x.logger.Debug("Already at target location, skipping navigation", zap.String("url", a.URL))
		return nil
	}
	if err := x.page.Navigate(ctx, a.URL); err != nil {
		return &action.NavigationError{URL: a.URL, Err: err}
	}
	if err := x.locator.WaitForNavigationComplete(ctx); err != nil {
		return &action.NavigationError{URL: a.URL, Err: err}
	}
	return nil
}

func (x *Executor) resolve(ctx context.Context, selector string) (Element, error) {
	el, err := x.locator.WaitForElement(ctx, selector)
	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, &action.ElementNotFoundError{Selector: selector}
	}
	return el, nil
}

func (x *Executor) click(ctx context.Context, a action.Click) error {
	el, err := x.resolve(ctx, a.Selector)
	if err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return err
	}
	x.stabilize(ctx)
	return nil
}

func (x *Executor) typeText(ctx context.Context, a action.TypeText) error {
	el, err := x.resolve(ctx, a.Selector)
	if err != nil {
		return err
	}
	ok, err := el.AcceptsText(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return &action.ActionExecutionError{
			ActionType: action.KindType,
			StepIndex:  -1,
			Message:    fmt.Sprintf("target %s is not a text input", a.Selector),
		}
	}
	if err := el.Focus(ctx); err != nil {
		return err
	}

	// Type character by character
	for _, r := range a.Value {
		if err := el.TypeRune(ctx, r); err != nil {
			return err
		}
		if err := sleep(ctx, x.opts.TypingDelay); err != nil {
			return err
		}
	}
	return el.Commit(ctx)
}

// stabilize waits for the page to settle after an interaction. A page that
// never goes quiet is not a failure of the action itself.
func (x *Executor) stabilize(ctx context.Context) {
	if err := x.locator.WaitForPageStabilization(ctx); err != nil && ctx.Err() == nil {
		x.logger.Warn("Page stabilization failed (non-critical)", zap.Error(err))
	}
}

func classify(kind action.Kind, step int, err error) error {
	if err == nil {
		return nil
	}
	var ae *action.ActionExecutionError
	if errors.As(err, &ae) {
		if ae.StepIndex < 0 {
			ae.StepIndex = step
		}
		return err
	}
	if action.IsClassified(err) {
		return err
	}
	return &action.ActionExecutionError{ActionType: kind, StepIndex: step, Err: err}
}

// sameLocation compares two URLs ignoring a trailing slash and the fragment
func sameLocation(current, target string) bool {
	cu, err1 := url.Parse(current)
	tu, err2 := url.Parse(target)
	if err1 != nil || err2 != nil {
		return current == target
	}
	cu.Fragment, tu.Fragment = "", ""
	return strings.EqualFold(cu.Host, tu.Host) &&
		cu.Scheme == tu.Scheme &&
		strings.TrimSuffix(cu.Path, "/") == strings.TrimSuffix(tu.Path, "/") &&
		cu.RawQuery == tu.RawQuery
}

// sleep suspends for d, returning early if ctx is cancelled. Non-positive
// durations return immediately.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
