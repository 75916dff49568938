package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/v0xg/demopilot/internal/protocol"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// errNoTab is returned when a run is requested before any page has loaded
var errNoTab = errors.New("no page is attached")

type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *client) activity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	now := time.Now()
	c := &client{
		id:           uuid.NewString(),
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.logger.Info("Client connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	if err := s.send(c, "", protocol.ConnectionEstablished{
		Message:   "connected to demopilot",
		ClientID:  c.id,
		Timestamp: now,
	}); err != nil {
		s.drop(c)
		return
	}

	go s.pingLoop(c)
	s.readLoop(r.Context(), c)
}

// readLoop handles messages from c until the connection fails
func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.drop(c)

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Client connection lost", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Rejected client message", zap.String("client", c.id), zap.Error(err))
			reason := "invalid JSON format"
			if json.Valid(data) {
				reason = err.Error()
			}
			_ = s.send(c, "", protocol.UnknownMessage{Error: reason})
			continue
		}
		reply := s.handle(ctx, msg)
		if reply == nil {
			continue
		}
		if err := s.send(c, msg.ID, reply); err != nil {
			return
		}
	}
}

func (s *Server) pingLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// handle executes one client message and returns the reply for the sender,
// or nil when the message only has broadcast effects.
func (s *Server) handle(ctx context.Context, msg protocol.Message) protocol.Payload {
	switch p := msg.Payload.(type) {
	case protocol.Ping:
		return protocol.Pong{Timestamp: time.Now()}

	case protocol.GetSequence:
		seq, err := s.catalog.Get(p.SequenceType)
		if err != nil {
			return protocol.UnknownMessage{Error: err.Error()}
		}
		return protocol.SequenceResponse{Sequence: seq}

	case protocol.AutomationStateRequest:
		tabID := p.TabID
		if tabID == 0 {
			if active, ok := s.coord.ActiveTab(); ok {
				tabID = active
			}
		}
		return s.coord.AutomationState(tabID)

	case protocol.ExecuteSequence:
		tabID, ok := s.coord.ActiveTab()
		if !ok {
			return protocol.SequenceError{Error: errNoTab.Error()}
		}
		if err := s.coord.StartAutomation(ctx, p.Sequence, tabID); err != nil {
			return protocol.SequenceError{Error: err.Error()}
		}
		return nil

	case protocol.StartAutomation:
		tabID, ok := s.coord.ActiveTab()
		if !ok {
			return protocol.SequenceError{Error: errNoTab.Error()}
		}
		if err := s.coord.StartObjective(ctx, p.Objective, tabID); err != nil {
			return protocol.SequenceError{Error: err.Error()}
		}
		return nil

	case protocol.StopAutomation:
		if err := s.coord.Stop(ctx); err != nil {
			return protocol.SequenceError{Error: err.Error()}
		}
		return nil

	default:
		return protocol.UnknownMessage{Error: fmt.Sprintf("unknown message type: %s", msg.Type())}
	}
}

func (s *Server) send(c *client, replyTo string, p protocol.Payload) error {
	data, err := json.Marshal(protocol.Message{ID: uuid.NewString(), ReplyTo: replyTo, Payload: p})
	if err != nil {
		return err
	}
	return c.write(data)
}

// drop unregisters c and closes its connection
func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	c.close()
	if ok {
		s.metrics.ConnectionClosed()
		s.logger.Info("Client disconnected", zap.String("client", c.id))
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		s.drop(c)
	}
}
