package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlocker struct {
	enabled    bool
	enables    int
	disables   int
	forced     int
	enableErr  error
	disableErr error
}

func (b *fakeBlocker) Enable(context.Context) error {
	b.enables++
	if b.enableErr != nil {
		return b.enableErr
	}
	b.enabled = true
	return nil
}

func (b *fakeBlocker) Disable(context.Context) error {
	b.disables++
	if b.disableErr != nil {
		return b.disableErr
	}
	b.enabled = false
	return nil
}

func (b *fakeBlocker) ForceCleanup(context.Context) {
	b.forced++
	b.enabled = false
}

type fakeFeedback struct {
	inits, destroys int
	initErr         error
}

func (f *fakeFeedback) Init(context.Context) error {
	f.inits++
	return f.initErr
}

func (f *fakeFeedback) Destroy(context.Context) error {
	f.destroys++
	return nil
}

func TestRunTearsDownOnSuccessAndFailure(t *testing.T) {
	for _, fnErr := range []error{nil, errors.New("step failed")} {
		blocker := &fakeBlocker{}
		fb := &fakeFeedback{}
		m := New(blocker, nil, fb)

		err := m.Run(context.Background(), func(context.Context) error {
			assert.True(t, blocker.enabled)
			assert.True(t, m.Active())
			return fnErr
		})

		assert.Equal(t, fnErr, err)
		assert.False(t, blocker.enabled)
		assert.Equal(t, 1, blocker.disables)
		assert.Equal(t, 1, fb.destroys)
		assert.False(t, m.Active())
	}
}

func TestRunTearsDownOnPanic(t *testing.T) {
	blocker := &fakeBlocker{}
	m := New(blocker, nil)

	assert.Panics(t, func() {
		_ = m.Run(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, 1, blocker.disables)
	assert.False(t, blocker.enabled)
}

func TestTeardownForcesCleanupWhenDisableFails(t *testing.T) {
	blocker := &fakeBlocker{disableErr: errors.New("context destroyed")}
	m := New(blocker, nil)

	require.NoError(t, m.Setup(context.Background()))
	m.Teardown(context.Background())

	assert.Equal(t, 1, blocker.forced)
	assert.False(t, blocker.enabled)
}

func TestTeardownRunsAfterCancellation(t *testing.T) {
	blocker := &fakeBlocker{}
	m := New(blocker, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, m.Setup(ctx))
	cancel()
	m.Teardown(ctx)

	assert.Equal(t, 1, blocker.disables)
	assert.False(t, blocker.enabled)
}

func TestTeardownIsIdempotent(t *testing.T) {
	blocker := &fakeBlocker{}
	m := New(blocker, nil)

	require.NoError(t, m.Setup(context.Background()))
	m.Teardown(context.Background())
	m.Teardown(context.Background())

	assert.Equal(t, 1, blocker.disables)
}

func TestSetupFailsWhenBlockingFails(t *testing.T) {
	blocker := &fakeBlocker{enableErr: errors.New("no document")}
	fb := &fakeFeedback{}
	m := New(blocker, nil, fb)

	called := false
	err := m.Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, 1, blocker.forced)
	assert.Zero(t, fb.inits)
}

func TestFeedbackFailureIsNotFatal(t *testing.T) {
	broken := &fakeFeedback{initErr: errors.New("no canvas")}
	ok := &fakeFeedback{}
	m := New(&fakeBlocker{}, nil, broken, ok)

	require.NoError(t, m.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Zero(t, broken.destroys, "feedback that failed to init is not destroyed")
	assert.Equal(t, 1, ok.destroys)
}
