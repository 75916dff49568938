// Package lifecycle brackets an automation run: it blocks live user input and
// starts visual feedback before the first step, and guarantees both are
// released on every exit path.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InputBlocker prevents the live user from interfering with a run
type InputBlocker interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	// ForceCleanup removes any blocking state without regard to bookkeeping.
	// It is the fallback when Disable fails and must not fail itself.
	ForceCleanup(ctx context.Context)
}

// Feedback is a visual indicator shown for the duration of a run
type Feedback interface {
	Init(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// teardownTimeout bounds cleanup when the run's own context is already gone
const teardownTimeout = 5 * time.Second

// Manager owns setup and teardown for runs in one page context
type Manager struct {
	blocker  InputBlocker
	feedback []Feedback
	logger   *zap.Logger

	mu     sync.Mutex
	active bool
	inited []Feedback
}

// New creates a manager. feedback may be empty.
func New(blocker InputBlocker, logger *zap.Logger, feedback ...Feedback) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{blocker: blocker, feedback: feedback, logger: logger.Named("lifecycle")}
}

// Setup enables input blocking and starts feedback. Failing to block input
// fails the run; feedback failures are logged and skipped.
func (m *Manager) Setup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil
	}

	if m.blocker != nil {
		if err := m.blocker.Enable(ctx); err != nil {
			m.blocker.ForceCleanup(cleanupContext(ctx))
			return fmt.Errorf("enable input blocking: %w", err)
		}
	}
	m.active = true

	m.inited = m.inited[:0]
	for _, fb := range m.feedback {
		if err := fb.Init(ctx); err != nil {
			m.logger.Warn("Visual feedback unavailable", zap.Error(err))
			continue
		}
		m.inited = append(m.inited, fb)
	}
	return nil
}

// Teardown releases everything Setup acquired. It never fails: if disabling
// the blocker errors, the forced cleanup runs so the overlay cannot stay on.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false

	ctx, cancel := context.WithTimeout(cleanupContext(ctx), teardownTimeout)
	defer cancel()

	if m.blocker != nil {
		if err := m.blocker.Disable(ctx); err != nil {
			m.logger.Warn("Disabling input blocking failed, forcing cleanup", zap.Error(err))
			m.blocker.ForceCleanup(ctx)
		}
	}
	for i := len(m.inited) - 1; i >= 0; i-- {
		if err := m.inited[i].Destroy(ctx); err != nil {
			m.logger.Warn("Destroying visual feedback failed", zap.Error(err))
		}
	}
	m.inited = m.inited[:0]
}

// Run executes fn between Setup and Teardown. Teardown has completed by the
// time Run returns, whatever fn did, panics included.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.Setup(ctx); err != nil {
		return err
	}
	defer m.Teardown(ctx)
	return fn(ctx)
}

// Active reports whether a run is currently bracketed
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// cleanupContext keeps values but drops cancellation, so cleanup still runs
// after the run's context has been torn down.
func cleanupContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
