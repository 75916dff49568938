package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/v0xg/demopilot/internal/action"
)

type fakePage struct {
	url       string
	navigated []string
	navErr    error
}

func (p *fakePage) URL(context.Context) (string, error) { return p.url, nil }

func (p *fakePage) Navigate(_ context.Context, u string) error {
	if p.navErr != nil {
		return p.navErr
	}
	p.navigated = append(p.navigated, u)
	p.url = u
	return nil
}

type fakeElement struct {
	text     bool
	typed    []rune
	clicks   int
	clickErr error
	focused  bool
	commits  int
}

func (e *fakeElement) Click(context.Context) error {
	e.clicks++
	return e.clickErr
}
func (e *fakeElement) AcceptsText(context.Context) (bool, error) { return e.text, nil }
func (e *fakeElement) Focus(context.Context) error {
	e.focused = true
	return nil
}
func (e *fakeElement) TypeRune(_ context.Context, r rune) error {
	e.typed = append(e.typed, r)
	return nil
}
func (e *fakeElement) Commit(context.Context) error {
	e.commits++
	return nil
}

type fakeLocator struct {
	elements    map[string]*fakeElement
	navWaits    int
	stableWaits int
	stableErr   error
}

func (l *fakeLocator) WaitForElement(_ context.Context, sel string) (Element, error) {
	el, ok := l.elements[sel]
	if !ok {
		return nil, nil
	}
	return el, nil
}
func (l *fakeLocator) WaitForNavigationComplete(context.Context) error {
	l.navWaits++
	return nil
}
func (l *fakeLocator) WaitForPageStabilization(context.Context) error {
	l.stableWaits++
	return l.stableErr
}

func newFixture() (*Executor, *fakePage, *fakeLocator) {
	page := &fakePage{url: "https://x/start"}
	loc := &fakeLocator{elements: map[string]*fakeElement{
		"#go":    {},
		"#email": {text: true},
	}}
	return New(page, loc, Options{}, nil), page, loc
}

func TestNavigate(t *testing.T) {
	x, page, loc := newFixture()
	ctx := context.Background()

	require.NoError(t, x.Execute(ctx, action.Navigate{URL: "https://x/a"}, 0))
	assert.Equal(t, []string{"https://x/a"}, page.navigated)
	assert.Equal(t, 1, loc.navWaits)

	// Already there (trailing slash and fragment ignored): no-op
	require.NoError(t, x.Execute(ctx, action.Navigate{URL: "https://x/a/#top"}, 1))
	assert.Len(t, page.navigated, 1)
	assert.Equal(t, 1, loc.navWaits)
}

func TestNavigateFailure(t *testing.T) {
	x, page, _ := newFixture()
	page.navErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	err := x.Execute(context.Background(), action.Navigate{URL: "https://nowhere/"}, 2)
	var ne *action.NavigationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "https://nowhere/", ne.URL)
}

func TestClick(t *testing.T) {
	x, _, loc := newFixture()

	require.NoError(t, x.Execute(context.Background(), action.Click{Selector: "#go"}, 0))
	assert.Equal(t, 1, loc.elements["#go"].clicks)
	assert.Equal(t, 1, loc.stableWaits)
}

func TestClickStabilizationFailureIsNotFatal(t *testing.T) {
	x, _, loc := newFixture()
	loc.stableErr = errors.New("network never idle")

	assert.NoError(t, x.Execute(context.Background(), action.Click{Selector: "#go"}, 0))
}

func TestClickElementNotFound(t *testing.T) {
	x, _, _ := newFixture()

	err := x.Execute(context.Background(), action.Click{Selector: "#missing"}, 1)
	var nf *action.ElementNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "#missing", nf.Selector)
}

func TestClickFailureIsWrapped(t *testing.T) {
	x, _, loc := newFixture()
	loc.elements["#go"].clickErr = errors.New("detached node")

	err := x.Execute(context.Background(), action.Click{Selector: "#go"}, 3)
	var ae *action.ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, action.KindClick, ae.ActionType)
	assert.Equal(t, 3, ae.StepIndex)
	assert.Contains(t, err.Error(), "detached node")
}

func TestType(t *testing.T) {
	x, _, loc := newFixture()

	require.NoError(t, x.Execute(context.Background(), action.TypeText{Selector: "#email", Value: "a@b"}, 0))
	el := loc.elements["#email"]
	assert.True(t, el.focused)
	assert.Equal(t, []rune("a@b"), el.typed)
	assert.Equal(t, 1, el.commits)
}

func TestTypeIntoNonInput(t *testing.T) {
	x, _, _ := newFixture()

	err := x.Execute(context.Background(), action.TypeText{Selector: "#go", Value: "x"}, 4)
	var ae *action.ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, action.KindType, ae.ActionType)
	assert.Equal(t, 4, ae.StepIndex)
	assert.Contains(t, ae.Error(), "not a text input")
}

func TestWaitZeroDoesNotSuspend(t *testing.T) {
	x, _, _ := newFixture()

	start := time.Now()
	require.NoError(t, x.Execute(context.Background(), action.Wait{}, 0))
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestZeroPausesIgnoreCancellation(t *testing.T) {
	x, _, loc := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, x.Execute(ctx, action.Wait{}, 0))
	assert.NoError(t, sleep(ctx, 0))

	require.NoError(t, x.Execute(ctx, action.TypeText{Selector: "#email", Value: "ab"}, 2))
	assert.Equal(t, []rune("ab"), loc.elements["#email"].typed, "no typing delay means no pause to cancel")
}

func TestWaitHonoursCancellation(t *testing.T) {
	x, _, _ := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := x.Execute(ctx, action.Wait{Duration: time.Hour}, 5)
	var ae *action.ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidationBeforeExecution(t *testing.T) {
	x, page, _ := newFixture()

	err := x.Execute(context.Background(), action.Navigate{URL: "not a url"}, 0)
	var ve *action.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, page.navigated)
}
