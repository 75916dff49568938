// Package tab hosts the page side of one browser tab. Every loaded document
// gets a fresh engine, wired to the coordinator through its own channel; a
// main-frame navigation tears that engine down with the document and the next
// load starts a new one.
package tab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/v0xg/demopilot/internal/coordinator"
	"github.com/v0xg/demopilot/internal/engine"
	"github.com/v0xg/demopilot/internal/executor"
	"github.com/v0xg/demopilot/internal/lifecycle"
	"github.com/v0xg/demopilot/internal/protocol"
	"github.com/v0xg/demopilot/internal/store"
	"go.uber.org/zap"
)

// Tab is the browser tab as seen by the host. *browser.Page satisfies it.
type Tab interface {
	executor.Page
	executor.Locator
	// Navigations reports committed main-frame navigations until ctx ends
	Navigations(ctx context.Context) <-chan string
	// WaitReady waits for the current document to finish loading
	WaitReady(ctx context.Context) error
}

// Config wires a host
type Config struct {
	ID            int
	Engine        engine.Options
	Executor      executor.Options
	Store         store.Store
	DetachTimeout time.Duration // How long a torn-down engine may take to unwind
	Logger        *zap.Logger
}

// Host runs one engine per document loaded in a tab
type Host struct {
	id       int
	tab      Tab
	coord    *coordinator.Coordinator
	blocker  lifecycle.InputBlocker
	feedback []lifecycle.Feedback
	cfg      Config
	logger   *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
	loads     int
}

// document is the page context of one load
type document struct {
	url      string
	cancel   context.CancelFunc
	engine   *engine.Engine
	ep       *protocol.Endpoint
	detached <-chan struct{}
}

// New creates a host for tab. blocker and feedback are acquired around every
// run started in the tab.
func New(coord *coordinator.Coordinator, t Tab, blocker lifecycle.InputBlocker, cfg Config, feedback ...lifecycle.Feedback) *Host {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ID <= 0 {
		cfg.ID = 1
	}
	if cfg.DetachTimeout <= 0 {
		cfg.DetachTimeout = 10 * time.Second
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	return &Host{
		id:       cfg.ID,
		tab:      t,
		coord:    coord,
		blocker:  blocker,
		feedback: feedback,
		cfg:      cfg,
		logger:   cfg.Logger.Named("tab").With(zap.Int("tab", cfg.ID)),
		ready:    make(chan struct{}),
	}
}

// ID is the tab id used in protocol messages
func (h *Host) ID() int { return h.id }

// Ready is closed once the first document has announced itself
func (h *Host) Ready() <-chan struct{} { return h.ready }

// Run hosts page contexts until ctx ends. It returns once the last engine
// has been torn down.
func (h *Host) Run(ctx context.Context) error {
	navs := h.tab.Navigations(ctx)

	cur, err := h.load(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			h.unload(cur)
			return nil
		case to, ok := <-navs:
			if !ok {
				h.unload(cur)
				return ctx.Err()
			}
			h.logger.Info("Page navigated", zap.String("from", cur.url), zap.String("to", to))
			h.announce(ctx, cur, to)
			h.unload(cur)

			next, err := h.load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			cur = next
		}
	}
}

// load waits for the current document and starts an engine in it
func (h *Host) load(ctx context.Context) (*document, error) {
	if err := h.tab.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("wait for page: %w", err)
	}
	url, err := h.tab.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page location: %w", err)
	}

	h.loads++
	coordSide, pageSide := protocol.Pipe(
		fmt.Sprintf("coordinator/tab-%d", h.id),
		fmt.Sprintf("tab-%d/load-%d", h.id, h.loads),
		32,
	)
	// The coordinator side outlives the document so reports buffered during
	// teardown are still read.
	detached := h.coord.Attach(context.WithoutCancel(ctx), h.id, coordSide)

	pctx, cancel := context.WithCancel(ctx)
	logger := h.logger.With(zap.Int("load", h.loads))
	eng := engine.New(pageSide, engine.Config{
		TabID:     h.id,
		URL:       url,
		Runner:    executor.New(h.tab, h.tab, h.cfg.Executor, logger),
		Lifecycle: lifecycle.New(h.blocker, logger, h.feedback...),
		Store:     h.cfg.Store,
		Options:   h.cfg.Engine,
		Logger:    logger,
	})
	doc := &document{url: url, cancel: cancel, engine: eng, ep: pageSide, detached: detached}

	if err := eng.Start(pctx); err != nil {
		h.unload(doc)
		return nil, err
	}
	h.readyOnce.Do(func() { close(h.ready) })
	logger.Debug("Page context started", zap.String("url", url))
	return doc, nil
}

// announce tells the coordinator the document is going away
func (h *Host) announce(ctx context.Context, doc *document, to string) {
	msg := protocol.NavigationDetected{TabID: h.id, FromURL: doc.url, ToURL: to}
	if err := doc.ep.Send(ctx, msg); err != nil {
		h.logger.Debug("Navigation not reported", zap.Error(err))
	}
}

// unload cancels the document's context, lets its engine unwind and closes
// the channel. It returns after the coordinator has handled everything the
// document sent, so the next document starts from up-to-date run state.
func (h *Host) unload(doc *document) {
	doc.cancel()

	done := make(chan struct{})
	go func() {
		doc.engine.Wait()
		close(done)
	}()
	timeout := time.NewTimer(h.cfg.DetachTimeout)
	defer timeout.Stop()
	select {
	case <-done:
	case <-timeout.C:
		h.logger.Warn("Page context did not unwind in time", zap.String("url", doc.url))
	}
	doc.ep.Close()

	select {
	case <-doc.detached:
	case <-timeout.C:
		h.logger.Warn("Coordinator did not finish reading the page context", zap.String("url", doc.url))
	}
}
