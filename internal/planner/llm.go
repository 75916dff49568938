package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/v0xg/demopilot/internal/action"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LLMOptions tunes the language-model planner
type LLMOptions struct {
	SessionCacheSize  int // Sessions kept before the least recently used is evicted
	RequestsPerMinute int // Model calls allowed per minute, 0 for no limit
}

// LLM plans steps by asking a language model about the current page
type LLM struct {
	model    Model
	snapshot SnapshotFunc
	sessions *lru.Cache[string, *llmSession]
	limiter  *rate.Limiter
	logger   *zap.Logger
}

type llmSession struct {
	mu sync.Mutex
	Session
	history []executedStep
	// answers already given, by step index, so a page reload that re-asks
	// for the same step gets the same action
	answers map[int]StepResult
}

// NewLLM creates a planner. snapshot may be nil, in which case the model
// plans without seeing the page.
func NewLLM(model Model, snapshot SnapshotFunc, opts LLMOptions, logger *zap.Logger) (*LLM, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionCacheSize <= 0 {
		opts.SessionCacheSize = 64
	}
	cache, err := lru.New[string, *llmSession](opts.SessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return &LLM{
		model:    model,
		snapshot: snapshot,
		sessions: cache,
		limiter:  limiter,
		logger:   logger.Named("planner"),
	}, nil
}

func (l *LLM) CreateSession(_ context.Context, objective string) (Session, error) {
	if objective == "" {
		return Session{}, fmt.Errorf("objective must not be empty")
	}
	s := &llmSession{
		Session: Session{ID: uuid.NewString(), Objective: objective, CreatedAt: time.Now()},
		answers: make(map[int]StepResult),
	}
	l.sessions.Add(s.ID, s)
	l.logger.Info("Planning session created", zap.String("session", s.ID), zap.String("objective", objective))
	return s.Session, nil
}

func (l *LLM) NextStep(ctx context.Context, sessionID string, index int, last *action.Executed) (StepResult, error) {
	s, ok := l.sessions.Get(sessionID)
	if !ok {
		return StepResult{}, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(index, last)
	if r, ok := s.answers[index]; ok {
		return r, nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return StepResult{}, err
	}

	var page *PageSnapshot
	if l.snapshot != nil {
		p, err := l.snapshot(ctx)
		if err != nil {
			l.logger.Warn("Page snapshot unavailable, planning blind", zap.Error(err))
		} else {
			page = p
		}
	}

	prompt, err := buildStepPrompt(s.Objective, page, s.history)
	if err != nil {
		return StepResult{}, err
	}
	text, err := l.model.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return StepResult{}, err
	}
	d, err := parseDecision(text)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to parse model response as JSON: %w\nResponse: %s", err, text)
	}

	result := StepResult{Action: d.Action, HasMoreSteps: d.Action != nil && !d.Done, Completed: d.Action == nil || d.Done}
	s.answers[index] = result
	if d.Action != nil {
		s.history = append(s.history, executedStep{Index: index, Action: *d.Action})
	}
	l.logger.Debug("Planned step",
		zap.String("session", sessionID),
		zap.Int("step", index),
		zap.Bool("completed", result.Completed))
	return result, nil
}

// record attaches the outcome of the previous step to the history
func (s *llmSession) record(index int, last *action.Executed) {
	if last == nil || len(s.history) == 0 {
		return
	}
	h := &s.history[len(s.history)-1]
	if h.Index != index-1 || h.Status != "" {
		return
	}
	h.Status = string(last.Status)
	h.Error = last.ErrorMessage
}
