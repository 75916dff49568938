package main

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/browser"
	"github.com/v0xg/demopilot/internal/config"
	"github.com/v0xg/demopilot/internal/coordinator"
	"github.com/v0xg/demopilot/internal/engine"
	"github.com/v0xg/demopilot/internal/executor"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/logging"
	"github.com/v0xg/demopilot/internal/metrics"
	"github.com/v0xg/demopilot/internal/planner"
	"github.com/v0xg/demopilot/internal/protocol"
	"github.com/v0xg/demopilot/internal/recorder"
	"github.com/v0xg/demopilot/internal/store"
	"github.com/v0xg/demopilot/internal/surface"
	"github.com/v0xg/demopilot/internal/tab"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// session is one browser tab wired to a coordinator
type session struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	browser  *browser.Browser
	page     *browser.Page
	coord    *coordinator.Coordinator
	host     *tab.Host
	recorder *recorder.Recorder
	store    store.Store
}

func open(ctx context.Context, cfg *config.Config, url string) (*session, error) {
	logger := logging.New(cfg.Logger, nil)
	zap.ReplaceGlobals(logger)

	s := &session{cfg: cfg, logger: logger, metrics: metrics.New()}

	if cfg.Store.Path != "" {
		db, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		s.store = db
	} else {
		s.store = store.NewMemory()
	}

	fmt.Printf("→ Opening %s... ", url)
	opts := browser.Options{
		Headless:         cfg.Browser.Headless,
		Width:            cfg.Browser.Width,
		Height:           cfg.Browser.Height,
		ProfileDir:       cfg.Browser.ProfileDir,
		ElementTimeout:   cfg.Browser.ElementTimeout,
		StabilizeTimeout: cfg.Browser.StabilizeTimeout,
	}
	b, err := browser.Launch(ctx, opts)
	if err != nil {
		fmt.Println("failed")
		s.close()
		return nil, err
	}
	s.browser = b
	rp, err := b.Open(ctx, url)
	if err != nil {
		fmt.Println("failed")
		s.close()
		return nil, err
	}
	fmt.Println("done")

	var pointer browser.PointerObserver
	feedback := []lifecycle.Feedback{browser.NewBanner(rp, "Automation in progress")}
	if cfg.Recorder.Enabled {
		s.recorder = recorder.New(recorder.CaptureFunc(func(ctx context.Context) (image.Image, error) {
			return s.page.Screenshot(ctx)
		}), recorder.Options{
			Output:   cfg.Recorder.Output,
			FPS:      cfg.Recorder.FPS,
			MaxWidth: cfg.Recorder.MaxWidth,
		}, logger)
		pointer = s.recorder
		feedback = append(feedback, s.recorder)
	}
	s.page = browser.NewPage(rp, b.Options(), pointer)

	plan, err := newPlanner(cfg, s.page.Snapshot, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	s.coord = coordinator.New(plan, coordinator.Options{SettleDelay: cfg.Automation.SettleDelay}, s.metrics, logger)
	s.host = tab.New(s.coord, s.page, browser.NewBlocker(rp), tab.Config{
		ID: 1,
		Engine: engine.Options{
			StepLimit:              cfg.Automation.StepLimit,
			MaxConsecutiveFailures: cfg.Automation.MaxConsecutiveFailures,
			NextStepTimeout:        cfg.Automation.NextStepTimeout,
		},
		Executor: executor.Options{TypingDelay: cfg.Automation.TypingDelay},
		Store:    s.store,
		Logger:   logger,
	}, feedback...)
	return s, nil
}

func newPlanner(cfg *config.Config, snapshot planner.SnapshotFunc, logger *zap.Logger) (planner.Planner, error) {
	if cfg.Planner.Provider == "remote" {
		return planner.NewRemote(cfg.Planner.RemoteURL, nil)
	}
	model, err := planner.NewModel(cfg.Planner.Provider, cfg.Planner.Model)
	if err != nil {
		// Sequence runs don't need a planner; objectives report the problem
		logger.Warn("Planner unavailable", zap.Error(err))
		return nil, nil
	}
	return planner.NewLLM(model, snapshot, planner.LLMOptions{
		SessionCacheSize:  cfg.Planner.SessionCacheSize,
		RequestsPerMinute: cfg.Planner.RequestsPerMinute,
	}, logger)
}

func (s *session) close() {
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			s.logger.Warn("Browser did not close cleanly", zap.Error(err))
		}
	}
	if c, ok := s.store.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	_ = s.logger.Sync()
}

// drive runs the tab host, calls start once the page is ready and waits for
// the run to end.
func (s *session) drive(ctx context.Context, start func(ctx context.Context) error, seq *action.Sequence) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := s.coord.Subscribe(64)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.host.Run(gctx) })

	var outcome error
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			return nil
		case <-s.host.Ready():
		}
		if err := start(gctx); err != nil {
			outcome = err
			return nil
		}
		outcome = s.follow(gctx, events, seq)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.coord.Wait()
	return outcome
}

// follow prints run events until a terminal one arrives
func (s *session) follow(ctx context.Context, events <-chan coordinator.Event, seq *action.Sequence) error {
	for {
		select {
		case <-ctx.Done():
			_ = s.coord.Stop(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch p := ev.Payload.(type) {
			case protocol.StepProgressUpdate:
				if seq != nil && p.CompletedStepIndex < seq.Len() {
					fmt.Printf("  [%d] %s\n", p.CompletedStepIndex+1, action.Describe(seq.Actions[p.CompletedStepIndex]))
				} else {
					fmt.Printf("  [%d] done\n", p.CompletedStepIndex+1)
				}
			case protocol.ExecuteSequence:
				logVerbose("  dispatched %s (%d steps)", p.Sequence.ID, p.Sequence.Len())
			case protocol.SequenceComplete:
				return nil
			case protocol.SequenceError:
				if p.Step != nil {
					return fmt.Errorf("step %d: %s", *p.Step+1, p.Error)
				}
				return errors.New(p.Error)
			case protocol.StopAutomation:
				return errors.New("automation stopped")
			}
		}
	}
}

func (s *session) report(err error) error {
	if s.recorder != nil {
		for _, f := range s.recorder.Files() {
			fmt.Printf("✓ Saved to %s\n", f)
		}
	}
	if err != nil {
		fmt.Println("✗ Automation failed")
		return err
	}
	fmt.Println("✓ Automation complete")
	return nil
}

func runSequence(ctx context.Context, cfg *config.Config, url string, seq action.Sequence) error {
	s, err := open(ctx, cfg, url)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("→ Running %q (%d steps)...\n", seq.Name, seq.Len())
	err = s.drive(ctx, func(ctx context.Context) error {
		return s.coord.StartAutomation(ctx, seq, s.host.ID())
	}, &seq)
	return s.report(err)
}

func runObjective(ctx context.Context, cfg *config.Config, url, objective string) error {
	s, err := open(ctx, cfg, url)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("→ Working towards %q via %s...\n", objective, cfg.Planner.Provider)
	err = s.drive(ctx, func(ctx context.Context) error {
		return s.coord.StartObjective(ctx, objective, s.host.ID())
	}, nil)
	return s.report(err)
}

func serve(ctx context.Context, cfg *config.Config, url string) error {
	s, err := open(ctx, cfg, url)
	if err != nil {
		return err
	}
	defer s.close()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	srv := surface.New(s.coord, surface.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Catalog:    cat,
		Metrics:    s.metrics,
		Logger:     s.logger,
	})

	fmt.Printf("→ Listening on http://%s (websocket at /ws)\n", cfg.Server.ListenAddr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.host.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	err = g.Wait()
	s.coord.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}
