package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/straja-ai/darkscan/internal/engine"
	"github.com/straja-ai/darkscan/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 << 10
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// actionReply answers an action message received over the websocket.
type actionReply struct {
	Type   string        `json:"type"`
	Action engine.Action `json:"action"`
	Reply  any           `json:"reply,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans events out to websocket clients. It is an events.Sink. A client
// whose buffer is full is disconnected rather than allowed to stall delivery.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	logger  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver broadcasts ev to every connected client.
func (h *Hub) Deliver(_ context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

// Close disconnects all clients.
func (h *Hub) Close(context.Context) error {
	h.closeAll()
	return nil
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client too slow, disconnecting", zap.String("client", c.id))
			h.removeLocked(c)
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// reply queues data for one client unless it has gone away.
func (h *Hub) reply(c *wsClient, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.removeLocked(c)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   clientID(r.Context()),
	}
	if !s.hub.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", zap.String("client", c.id))

	go c.writePump()
	c.readPump(s)
}

// readPump handles action messages until the connection fails.
func (c *wsClient) readPump(s *Server) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var req engine.Request
		out := actionReply{Type: "reply"}
		if err := json.Unmarshal(data, &req); err != nil {
			out.Error = "invalid JSON message"
		} else {
			out.Action = req.Action
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			reply, err := s.run(ctx, req)
			cancel()
			if err != nil {
				_, out.Error = statusFor(err)
			} else {
				out.Reply = reply
			}
		}
		encoded, _ := json.Marshal(out)
		c.hub.reply(c, encoded)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
