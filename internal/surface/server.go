// Package surface is the user-facing side of demopilot: an HTTP server with a
// websocket over which clients start and stop runs, fetch catalog sequences
// and receive progress, completion and error reports.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/v0xg/demopilot/internal/action"
	"github.com/v0xg/demopilot/internal/catalog"
	"github.com/v0xg/demopilot/internal/coordinator"
	"github.com/v0xg/demopilot/internal/metrics"
	"github.com/v0xg/demopilot/internal/protocol"
	"go.uber.org/zap"
)

// Coordinator is what the surface drives. *coordinator.Coordinator
// satisfies it.
type Coordinator interface {
	StartAutomation(ctx context.Context, seq action.Sequence, tabID int) error
	StartObjective(ctx context.Context, objective string, tabID int) error
	Stop(ctx context.Context) error
	ActiveTab() (int, bool)
	State() coordinator.State
	AutomationState(tabID int) protocol.AutomationStateResponse
	Subscribe(buffer int) (<-chan coordinator.Event, func())
}

// Config wires a server
type Config struct {
	ListenAddr string
	Catalog    *catalog.Catalog
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server serves the HTTP endpoints and the websocket
type Server struct {
	coord    Coordinator
	catalog  *catalog.Catalog
	metrics  *metrics.Metrics
	logger   *zap.Logger
	addr     string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a server for coord
func New(coord Coordinator, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Builtin()
	}
	return &Server{
		coord:   coord,
		catalog: cfg.Catalog,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.Named("surface"),
		addr:    cfg.ListenAddr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are local tools and browser pages on any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Run listens on the configured address and relays coordinator events to
// every client until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	events, unsubscribe := s.coord.Subscribe(64)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relay(events)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Surface listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.closeClients()
	unsubscribe()
	<-relayDone

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

// relay forwards coordinator events until the feed closes
func (s *Server) relay(events <-chan coordinator.Event) {
	for ev := range events {
		s.Broadcast(ev.Payload)
	}
}

// Broadcast sends p to every connected client. Clients that cannot be
// written to are dropped.
func (s *Server) Broadcast(p protocol.Payload) {
	data, err := json.Marshal(protocol.Message{ID: uuid.NewString(), Payload: p})
	if err != nil {
		s.logger.Error("Could not encode broadcast", zap.Error(err))
		return
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			s.logger.Warn("Dropping client after failed broadcast", zap.String("client", c.id), zap.Error(err))
			s.drop(c)
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":            "demopilot automation surface",
		"status":             "running",
		"active_connections": s.connections(),
	})
}

type connectionDetail struct {
	ClientID     string    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	details := make([]connectionDetail, 0, len(s.clients))
	for c := range s.clients {
		details = append(details, connectionDetail{ClientID: c.id, ConnectedAt: c.connectedAt, LastActivity: c.activity()})
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"timestamp":          time.Now(),
		"active_connections": len(details),
		"connection_details": details,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	tab, ok := s.coord.ActiveTab()
	body := map[string]any{"run": s.coord.State()}
	if ok {
		body["activeTab"] = tab
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
