// Package server – hub.go owns the websocket link to the connection
// supervisor. At most one client is attached; a new connection replaces the
// old one. Application-level PING/PONG keeps the link verified end to end,
// past any proxy that answers transport pings on its own.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/promptrelay/pkg/promptrelay/config"
	"github.com/jholhewres/promptrelay/pkg/promptrelay/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrNoClient is returned when no supervisor is connected.
var ErrNoClient = &hubError{"no agent client connected"}

// ErrSendBufferFull is returned when the client's send queue is saturated.
var ErrSendBufferFull = &hubError{"send buffer full"}

type hubError struct{ msg string }

func (e *hubError) Error() string { return e.msg }

// client is one attached supervisor connection.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.conn.Close()
	}
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoClient
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub accepts supervisor connections and exposes the inbound message stream.
type Hub struct {
	mu        sync.RWMutex
	client    *client
	logger    *slog.Logger
	agentBusy atomic.Bool

	pingInterval time.Duration
	pongTimeout  time.Duration

	// Incoming carries parsed agent events. Writes never block; when the
	// consumer falls behind, messages are dropped.
	Incoming chan *protocol.Message
}

// NewHub creates a hub with the given websocket keepalive settings.
func NewHub(cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger.With("component", "hub"),
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		pongTimeout:  time.Duration(cfg.PongTimeout) * time.Second,
		Incoming:     make(chan *protocol.Message, 100),
	}
}

// Connected reports whether a supervisor is attached.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client != nil
}

// IsReady reports whether the agent is attached and not running a task. Busy
// state follows the agent's own status events.
func (h *Hub) IsReady() bool {
	return h.Connected() && !h.agentBusy.Load()
}

// Send delivers a message to the attached supervisor. Non-blocking: a full
// send queue is an error, not a stall.
func (h *Hub) Send(msg *protocol.Message) error {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()
	if c == nil {
		return ErrNoClient
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNoClient
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// HandleWS upgrades the request and attaches the connection, replacing any
// previous client.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.mu.Lock()
	if h.client != nil {
		h.logger.Info("replacing previous client connection")
		h.client.close()
	}
	h.client = cl
	h.mu.Unlock()
	h.agentBusy.Store(false)

	h.logger.Info("agent connected", "remote", conn.RemoteAddr())

	go h.writePump(cl)
	go h.pingPump(cl)
	h.readPump(cl)
}

// readPump reads frames until the connection dies. Any inbound message
// refreshes the read deadline; PONG frames are consumed here, status events
// update the busy flag, everything else goes to Incoming.
func (h *Hub) readPump(cl *client) {
	defer func() {
		h.mu.Lock()
		if h.client == cl {
			h.client = nil
		}
		h.mu.Unlock()
		cl.close()
		h.logger.Info("agent disconnected")
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read failed", "error", err)
			}
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			h.logger.Warn("discarding unparseable frame", "error", err)
			continue
		}

		cl.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.pongTimeout))

		switch msg.Type {
		case protocol.TypePong:
			continue

		case protocol.TypeStatus:
			var p protocol.StatusPayload
			if err := msg.DecodePayload(&p); err == nil {
				h.agentBusy.Store(p.Status == protocol.AgentBusy)
			}
			continue
		}

		select {
		case h.Incoming <- msg:
		default:
			h.logger.Warn("incoming buffer full, dropping message", "type", msg.Type)
		}
	}
}

func (h *Hub) writePump(cl *client) {
	for data := range cl.send {
		if err := cl.write(data); err != nil {
			if err != ErrNoClient {
				h.logger.Warn("write failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) pingPump(cl *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ping, err := (&protocol.Message{Type: protocol.TypePing}).Encode()
	if err != nil {
		return
	}

	for range ticker.C {
		if err := cl.write(ping); err != nil {
			if err != ErrNoClient {
				h.logger.Warn("ping failed", "error", err)
			}
			return
		}
	}
}
